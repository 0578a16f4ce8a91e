package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	sqliteadapter "evidence-orchestrator/internal/adapters/store/sqlite"
	"evidence-orchestrator/internal/app"
	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/custodypdf"
	"evidence-orchestrator/internal/services/forensicexport"
	"evidence-orchestrator/internal/services/jobwatch"
	"evidence-orchestrator/internal/services/webapp"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	case "collect":
		return runCollect(ctx, args[1:])
	case "live":
		return runLive(ctx, args[1:])
	case "job":
		return runJob(ctx, args[1:])
	case "hold":
		return runHold(ctx, args[1:])
	case "evidence":
		return runEvidence(ctx, args[1:])
	case "audit":
		return runAudit(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "verify":
		return runVerify(ctx, args[1:])
	case "version":
		fmt.Printf("evidence-cli version=%s commit=%s build_time=%s\n", app.Version, app.Commit, app.BuildTime)
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// runMigrate 执行 SQLite 迁移，确保数据库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}

	db, err := sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	version, _ := sqliteadapter.NewStore(db).GetSchemaMetaValue(ctx, "schema_version")
	fmt.Printf("migrations applied successfully: db=%s schema_version=%s\n", cfg.DBPath, version)
	return nil
}

// runServe 启动 HTTP API、调度器与任务目录监视，收到 SIGINT/SIGTERM 后依次停止。
func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	listen := fs.String("listen", "", "listen address (overrides config)")
	jobsDir := fs.String("jobs-dir", "", "job definition directory to watch (overrides config)")
	noWatch := fs.Bool("no-watch", false, "disable job directory watching")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(*jobsDir); v != "" {
		cfg.JobsDir = v
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, "*")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rt.Close(shutdownCtx)
	}()

	srv, err := webapp.NewServer(webapp.Options{
		ListenAddr: cfg.ListenAddr,
		ExportDir:  cfg.ExportDir,
		DBPath:     cfg.DBPath,
	}, webapp.Deps{
		Orchestrator: rt.orch,
		Audit:        rt.sink,
		AuditLog:     rt.lister,
		Store:        rt.store,
		Metrics:      rt.metrics,
		Logger:       rt.log,
	})
	if err != nil {
		return err
	}
	if err := rt.orch.Start(ctx); err != nil {
		return err
	}

	var watcher *jobwatch.Watcher
	if !*noWatch && strings.TrimSpace(cfg.JobsDir) != "" {
		watcher = jobwatch.New(jobwatch.Config{Dir: cfg.JobsDir, Debounce: 500 * time.Millisecond}, rt.orch, rt.log)
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	fmt.Printf("evidence api listening on http://%s (db=%s)\n", cfg.ListenAddr, cfg.DBPath)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()
	if watcher != nil {
		sum := watcher.Stop()
		rt.log.WithField("submitted", sum.Submitted).WithField("failed", sum.Failed).Info("job watcher stopped")
	}
	return err
}

// runCollect 是二级命令路由：collect endpoint / collect cloud。
func runCollect(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printCollectUsage()
		return nil
	}
	switch args[0] {
	case "endpoint":
		return runCollectEndpoint(ctx, args[1:])
	case "cloud":
		return runCollectCloud(ctx, args[1:])
	default:
		printCollectUsage()
		return fmt.Errorf("unknown collect command: %s", args[0])
	}
}

func localSource(id, host string) model.EvidenceSource {
	if strings.TrimSpace(host) == "" {
		host, _ = os.Hostname()
	}
	if strings.TrimSpace(id) == "" {
		id = host
	}
	return model.EvidenceSource{ID: id, Type: model.SourceEndpoint, Hostname: host}
}

func runCollectEndpoint(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("collect endpoint", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	caseID := fs.String("case-id", "", "case id (required)")
	host := fs.String("host", "", "source hostname (default: this host)")
	sourceID := fs.String("source-id", "", "source id (default: hostname)")
	types := fs.String("types", "file_artifact,event_log", "comma separated evidence types")
	paths := fs.String("paths", "", "comma separated artifact paths or globs")
	tags := fs.String("tags", "", "comma separated tags")
	backend := fs.String("backend", "", "storage backend: local|sqlite")
	asJSON := fs.Bool("json", false, "print full result as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("case-id", *caseID); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	ov := &model.OptionOverrides{
		ArtifactPaths: splitList(*paths),
		Tags:          splitList(*tags),
	}
	if b := strings.TrimSpace(*backend); b != "" {
		ov.StorageBackend = model.String(b)
	}
	var evTypes []model.EvidenceType
	for _, t := range splitList(*types) {
		evTypes = append(evTypes, model.EvidenceType(t))
	}

	res, err := rt.orch.CollectFromEndpoint(ctx, *caseID, localSource(*sourceID, *host), evTypes, ov)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(res)
	}
	printCollectionResult(res)
	return nil
}

func runCollectCloud(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("collect cloud", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	caseID := fs.String("case-id", "", "case id (required)")
	provider := fs.String("provider", "", "cloud provider: aws|azure|gcp (required)")
	region := fs.String("region", "", "region (required)")
	account := fs.String("account", "", "account / subscription / project id")
	resources := fs.String("resources", "", "comma separated resource types (default: all offered)")
	endpoint := fs.String("endpoint", "", "snapshot service endpoint (overrides config)")
	asJSON := fs.Bool("json", false, "print full result as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("case-id", *caseID); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	res, err := rt.orch.CollectFromCloud(ctx, *caseID, model.CloudConfig{
		Provider:      model.CloudProvider(strings.ToLower(strings.TrimSpace(*provider))),
		Region:        *region,
		AccountID:     *account,
		ResourceTypes: splitList(*resources),
		Endpoint:      *endpoint,
	}, nil)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(res)
	}
	printCollectionResult(res)
	return nil
}

func printCollectionResult(res *model.CollectionResult) {
	fmt.Println("collection completed")
	fmt.Printf("source_id=%s status=%s items=%d bytes=%s duration=%s\n",
		res.SourceID, res.Status, len(res.EvidenceItems), humanize.IBytes(uint64(res.BytesCollected)), res.Duration.Round(time.Millisecond))
	for _, it := range res.EvidenceItems {
		alg, sum := model.PrimaryHash(it.Hashes)
		fmt.Printf("  %s type=%s name=%s size=%s %s=%s\n", it.ID, it.Type, it.Name, humanize.IBytes(uint64(it.Size)), alg, sum)
	}
	for _, e := range res.Errors {
		fmt.Printf("  error code=%s type=%s message=%s\n", e.Code, e.EvidenceType, e.Message)
	}
}

// runLive 对本机执行实时响应采集。
func runLive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("live", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	caseID := fs.String("case-id", "", "case id (required)")
	host := fs.String("host", "", "source hostname (default: this host)")
	sourceID := fs.String("source-id", "", "source id (default: hostname)")
	memory := fs.Bool("memory", false, "acquire a memory dump (requires live_response.memory_command)")
	network := fs.Bool("network", true, "collect network connections")
	asJSON := fs.Bool("json", false, "print full result as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("case-id", *caseID); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	data, err := rt.orch.PerformLiveResponse(ctx, *caseID, localSource(*sourceID, *host), &model.LiveResponseOverrides{
		MemoryDump:         model.Bool(*memory),
		NetworkConnections: model.Bool(*network),
	})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(data)
	}
	fmt.Println("live response completed")
	fmt.Printf("case_id=%s source_id=%s processes=%d connections=%d services=%d sessions=%d errors=%d\n",
		data.CaseID, data.SourceID, len(data.Processes), len(data.NetworkConnections), len(data.Services), len(data.UserSessions), len(data.Errors))
	if data.MemoryDump != nil {
		fmt.Printf("memory_dump=%+v\n", *data.MemoryDump)
	}
	for _, e := range data.Errors {
		fmt.Printf("  error code=%s type=%s message=%s\n", e.Code, e.EvidenceType, e.Message)
	}
	return nil
}

// runJob 是二级命令路由。job run 在当前进程内创建并执行一次任务定义文件。
func runJob(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printJobUsage()
		return nil
	}
	switch args[0] {
	case "run":
		return runJobRun(ctx, args[1:])
	case "validate":
		return runJobValidate(args[1:])
	default:
		printJobUsage()
		return fmt.Errorf("unknown job command: %s", args[0])
	}
}

func runJobRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("job run", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	file := fs.String("file", "", "job definition yaml (required)")
	asJSON := fs.Bool("json", false, "print final job as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("file", *file); err != nil {
		return err
	}
	req, _, err := jobwatch.LoadFile(*file)
	if err != nil {
		return err
	}
	if req.Schedule != nil {
		return fmt.Errorf("%s defines a schedule; place it in the jobs directory of a running server instead", filepath.Base(*file))
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	job, err := rt.orch.CreateJob(ctx, req)
	if err != nil {
		return err
	}
	// Ctrl-C 取消任务本身，而不是直接退出进程。
	go func() {
		<-ctx.Done()
		_, _ = rt.orch.CancelJob(context.Background(), job.ID, cfg.Actor)
	}()
	job, err = rt.orch.ExecuteJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(job)
	}
	fmt.Println("job finished")
	fmt.Printf("job_id=%s status=%s items=%d/%d bytes=%s errors=%d\n",
		job.ID, job.Status, job.Progress.CompletedItems, job.Progress.TotalItems,
		humanize.IBytes(uint64(job.Progress.BytesCollected)), len(job.Errors))
	for _, r := range job.Results {
		fmt.Printf("  source=%s status=%s items=%d\n", r.SourceID, r.Status, len(r.EvidenceItems))
	}
	for _, e := range job.Errors {
		fmt.Printf("  error code=%s source=%s message=%s\n", e.Code, e.SourceID, e.Message)
	}
	if job.Status == model.JobFailed {
		return errors.New("job failed")
	}
	return nil
}

func runJobValidate(args []string) error {
	fs := flag.NewFlagSet("job validate", flag.ContinueOnError)
	file := fs.String("file", "", "job definition yaml (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("file", *file); err != nil {
		return err
	}
	req, raw, err := jobwatch.LoadFile(*file)
	if err != nil {
		return err
	}
	fmt.Println("job definition valid")
	fmt.Printf("name=%s case_id=%s sources=%d evidence_types=%d scheduled=%t size=%s\n",
		req.Name, req.CaseID, len(req.Sources), len(req.EvidenceTypes), req.Schedule != nil, humanize.Bytes(uint64(len(raw))))
	return nil
}

// runEvidence 是证据查询与维护命令路由。
func runEvidence(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printEvidenceUsage()
		return nil
	}
	switch args[0] {
	case "list":
		return runEvidenceList(ctx, args[1:])
	case "verify":
		return runEvidenceVerify(ctx, args[1:])
	case "purge":
		return runEvidencePurge(ctx, args[1:])
	default:
		printEvidenceUsage()
		return fmt.Errorf("unknown evidence command: %s", args[0])
	}
}

func runEvidenceList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence list", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	caseID := fs.String("case-id", "", "case id (empty lists all)")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	db, err := sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := sqliteadapter.NewStore(db).ListEvidenceIndex(ctx, *caseID)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(items)
	}
	fmt.Printf("evidence total=%d\n", len(items))
	for _, it := range items {
		alg, sum := model.PrimaryHash(it.Hashes)
		fmt.Printf("%s case=%s type=%s name=%s size=%s backend=%s verified=%t custody=%d collected=%s %s=%s\n",
			it.ID, it.CaseID, it.Type, it.Name, humanize.IBytes(uint64(it.Size)), it.StorageBackend, it.Verified,
			len(it.ChainOfCustody), humanize.Time(it.CollectedAt), alg, sum)
	}
	return nil
}

func runEvidenceVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence verify", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	caseID := fs.String("case-id", "", "case id (required)")
	evidenceID := fs.String("id", "", "verify a single evidence id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("case-id", *caseID); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, *caseID)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	items := rt.orch.ListEvidenceByCase(*caseID)
	if id := strings.TrimSpace(*evidenceID); id != "" {
		it, err := rt.orch.GetEvidence(id)
		if err != nil {
			return err
		}
		items = []model.EvidenceItem{it}
	}

	okCount, failed := 0, 0
	for _, it := range items {
		res, err := rt.orch.VerifyEvidence(ctx, it.ID, cfg.Actor)
		switch {
		case err != nil:
			failed++
			fmt.Printf("FAIL %s error=%v\n", it.ID, err)
		case !res.Valid:
			failed++
			fmt.Printf("FAIL %s %s expected=%s actual=%s\n", it.ID, res.Algorithm, res.OriginalHash, res.CurrentHash)
		default:
			okCount++
		}
	}
	fmt.Println("evidence verify completed")
	fmt.Printf("case_id=%s total=%d ok=%d failed=%d\n", *caseID, len(items), okCount, failed)
	if failed > 0 {
		return fmt.Errorf("evidence verify failed: %d items", failed)
	}
	return nil
}

func runEvidencePurge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evidence purge", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, "*")
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	rep, err := rt.orch.PurgeExpiredEvidence(ctx, cfg.Actor)
	if err != nil {
		return err
	}
	fmt.Println("retention purge completed")
	fmt.Printf("retention_days=%d deleted=%d held=%d failed=%d\n", cfg.RetentionDays, len(rep.Deleted), len(rep.Held), len(rep.Failed))
	for id, msg := range rep.Failed {
		fmt.Printf("  FAIL %s %s\n", id, msg)
	}
	return nil
}

// runExport 是导出命令路由：案件 ZIP 包与监管链 PDF。
func runExport(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printExportUsage()
		return nil
	}
	switch args[0] {
	case "zip":
		return runExportZip(ctx, args[1:])
	case "pdf":
		return runExportPDF(ctx, args[1:])
	default:
		printExportUsage()
		return fmt.Errorf("unknown export command: %s", args[0])
	}
}

func runExportZip(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export zip", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	caseID := fs.String("case-id", "", "case id (required)")
	note := fs.String("note", "", "export note")
	privacyMode := fs.String("privacy-mode", "off", "off|masked: mask paths and hosts")
	outDir := fs.String("out-dir", "", "export output directory (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("case-id", *caseID); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*outDir); v != "" {
		cfg.ExportDir = v
	}
	rt, err := openRuntime(ctx, cfg, *caseID)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	res, err := forensicexport.GenerateCaseZip(ctx, rt.orch, rt.lister, rt.sink, forensicexport.ZipOptions{
		CaseID:      *caseID,
		ExportDir:   cfg.ExportDir,
		Operator:    cfg.Actor,
		Note:        *note,
		PrivacyMode: *privacyMode,
	})
	if err != nil {
		return err
	}
	fmt.Println("case zip generated")
	fmt.Printf("case_id=%s\n", res.CaseID)
	fmt.Printf("zip=%s\n", res.ZipPath)
	fmt.Printf("zip_sha256=%s\n", res.ZipSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

func runExportPDF(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export pdf", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	caseID := fs.String("case-id", "", "case id (required)")
	note := fs.String("note", "", "report note")
	privacyMode := fs.String("privacy-mode", "off", "off|masked: mask paths and hosts")
	outDir := fs.String("out-dir", "", "report output directory (default: <export_dir>/reports)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("case-id", *caseID); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	dir := strings.TrimSpace(*outDir)
	if dir == "" {
		dir = filepath.Join(cfg.ExportDir, "reports")
	}
	rt, err := openRuntime(ctx, cfg, *caseID)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	audits, err := rt.lister.List(ctx, *caseID)
	if err != nil {
		return err
	}
	res, err := custodypdf.Generate(ctx, custodypdf.Input{
		Items: rt.orch.ListEvidenceByCase(*caseID),
		Holds: rt.orch.ListHolds(false),
		Audit: audits,
	}, custodypdf.Options{
		CaseID:      *caseID,
		OutDir:      dir,
		Operator:    cfg.Actor,
		Note:        *note,
		PrivacyMode: *privacyMode,
	}, rt.sink)
	if err != nil {
		return err
	}
	fmt.Println("custody pdf generated")
	fmt.Printf("pdf=%s size=%s\n", res.PDFPath, humanize.IBytes(uint64(res.Size)))
	fmt.Printf("pdf_sha256=%s\n", res.PDFSHA256)
	if len(res.Warnings) > 0 {
		fmt.Printf("warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  evidence-cli migrate [--config evidence.yaml] [--db data/evidence.db]")
	fmt.Println("  evidence-cli serve [--config evidence.yaml] [--listen 127.0.0.1:8787] [--jobs-dir jobs] [--no-watch]")
	fmt.Println("  evidence-cli collect endpoint --case-id CASE_ID [--types file_artifact,event_log] [--paths /var/log/*.log]")
	fmt.Println("  evidence-cli collect cloud --case-id CASE_ID --provider aws --region eu-west-1 [--account ID]")
	fmt.Println("  evidence-cli live --case-id CASE_ID [--memory] [--network=false]")
	fmt.Println("  evidence-cli job run --file job.yaml")
	fmt.Println("  evidence-cli job validate --file job.yaml")
	fmt.Println("  evidence-cli hold apply --name NAME --evidence ID1,ID2 [--server 127.0.0.1:8787]")
	fmt.Println("  evidence-cli hold release --id HOLD_ID | hold list [--active]")
	fmt.Println("  evidence-cli evidence list [--case-id CASE_ID] [--json]")
	fmt.Println("  evidence-cli evidence verify --case-id CASE_ID [--id EVIDENCE_ID]")
	fmt.Println("  evidence-cli evidence purge")
	fmt.Println("  evidence-cli audit list --case-id CASE_ID [--limit 100]")
	fmt.Println("  evidence-cli audit verify --case-id CASE_ID")
	fmt.Println("  evidence-cli export zip --case-id CASE_ID [--out-dir data/exports]")
	fmt.Println("  evidence-cli export pdf --case-id CASE_ID [--out-dir data/exports/reports]")
	fmt.Println("  evidence-cli verify case-zip --zip PATH_TO_ZIP")
	fmt.Println("  evidence-cli version")
}

func printCollectUsage() {
	fmt.Println("Usage:")
	fmt.Println("  evidence-cli collect endpoint --case-id id [--host name] [--source-id id] [--types list] [--paths list] [--tags list] [--backend local|sqlite] [--json]")
	fmt.Println("  evidence-cli collect cloud --case-id id --provider aws|azure|gcp --region r [--account id] [--resources list] [--endpoint url] [--json]")
}

func printJobUsage() {
	fmt.Println("Usage:")
	fmt.Println("  evidence-cli job run --file path [--config path] [--json]")
	fmt.Println("  evidence-cli job validate --file path")
}

func printEvidenceUsage() {
	fmt.Println("Usage:")
	fmt.Println("  evidence-cli evidence list [--case-id id] [--json]")
	fmt.Println("  evidence-cli evidence verify --case-id id [--id evidence_id]")
	fmt.Println("  evidence-cli evidence purge [--config path]")
}

func printExportUsage() {
	fmt.Println("Usage:")
	fmt.Println("  evidence-cli export zip --case-id id [--out-dir path] [--note text]")
	fmt.Println("  evidence-cli export pdf --case-id id [--out-dir path] [--note text]")
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
