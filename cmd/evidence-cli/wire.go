package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"strings"

	"evidence-orchestrator/internal/adapters/acquire"
	"evidence-orchestrator/internal/adapters/cloudhttp"
	"evidence-orchestrator/internal/adapters/localhost"
	"evidence-orchestrator/internal/adapters/storage"
	sqliteadapter "evidence-orchestrator/internal/adapters/store/sqlite"
	"evidence-orchestrator/internal/app"
	"evidence-orchestrator/internal/platform/logging"
	"evidence-orchestrator/internal/platform/metrics"
	"evidence-orchestrator/internal/services/audit"
	"evidence-orchestrator/internal/services/events"
	"evidence-orchestrator/internal/services/orchestrator"

	"github.com/sirupsen/logrus"
)

// runtime 持有一次命令执行所需的全部组件，Close 按依赖逆序释放。
type runtime struct {
	cfg     app.Config
	log     *logrus.Logger
	db      *sql.DB
	store   *sqliteadapter.Store
	sink    audit.Sink
	lister  audit.Lister
	bus     *events.Bus
	redis   io.Closer
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator

	closers []io.Closer
}

// configFlags 为子命令注册公共参数：配置文件与若干常用覆盖项。
type configFlags struct {
	path     *string
	dbPath   *string
	logLevel *string
	actor    *string
}

func addConfigFlags(fs *flag.FlagSet) *configFlags {
	return &configFlags{
		path:     fs.String("config", "", "yaml config file (optional)"),
		dbPath:   fs.String("db", "", "sqlite database path (overrides config)"),
		logLevel: fs.String("log-level", "", "log level: debug|info|warn|error (overrides config)"),
		actor:    fs.String("actor", "", "operator recorded in custody and audit (overrides config)"),
	}
}

func (f *configFlags) load() (app.Config, error) {
	cfg, err := app.LoadFile(*f.path)
	if err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(*f.dbPath); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(*f.logLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(*f.actor); v != "" {
		cfg.Actor = v
	}
	return cfg, nil
}

// openRuntime 打开数据库、存储、审计与事件总线，并构造编排器。
// restoreCase 非空（或为 "*"）时从证据索引装载既有证据。
func openRuntime(ctx context.Context, cfg app.Config, restoreCase string) (*runtime, error) {
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	rt := &runtime{cfg: cfg, log: log, metrics: metrics.New()}

	db, err := sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	rt.db = db
	rt.store = sqliteadapter.NewStore(db)

	switch {
	case !cfg.Audit.Enabled:
		rt.sink = audit.Nop{}
	case cfg.Audit.Sink == "file":
		fileSink, err := audit.OpenFile(cfg.Audit.Path)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.sink = fileSink
		rt.closers = append(rt.closers, fileSink)
	default:
		rt.sink = audit.NewSQLiteSink(rt.store)
	}
	if l, ok := rt.sink.(audit.Lister); ok {
		rt.lister = l
	} else {
		rt.lister = audit.Nop{}
	}

	rt.bus = events.NewBus(log)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client, err := events.NewRedisClient(addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.redis = client
		rt.bus.Subscribe(events.NewRedisForwarder(client, cfg.Redis.Channel, log))
		log.WithFields(logrus.Fields{"addr": addr, "channel": cfg.Redis.Channel}).Info("forwarding events to redis")
	}

	cloud := cloudhttp.NewFactory(cfg.Cloud.Endpoint)
	cloud.DefaultToken = cfg.Cloud.Token

	orch, err := orchestrator.New(cfg.Orchestrator(), orchestrator.Deps{
		Connector: localhost.NewConnector(),
		Backends: acquire.NewSet(
			acquire.NewEndpoint(),
			acquire.NewLiveResponse(cfg.LiveResponse.MemoryCommand),
			acquire.NewNetwork(),
		),
		Cloud: acquire.NewCloud(cloud),
		Storage: storage.NewManager(
			storage.NewLocal(cfg.Storage.Root),
			storage.NewSQLiteBlobs(rt.store),
		),
		Audit:   rt.sink,
		Events:  rt.bus,
		Index:   rt.store,
		Metrics: rt.metrics,
		Logger:  log,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.orch = orch

	if restoreCase != "" {
		caseID := restoreCase
		if caseID == "*" {
			caseID = ""
		}
		n, err := orch.Restore(ctx, rt.store, caseID)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		log.WithField("count", n).Debug("evidence restored from index")
	}
	return rt, nil
}

// Close 等待编排器任务结束，再依次关闭事件总线、Redis、审计文件与数据库。
func (rt *runtime) Close(ctx context.Context) {
	if rt.orch != nil {
		if err := rt.orch.Shutdown(ctx); err != nil {
			rt.log.WithError(err).Warn("orchestrator shutdown")
		}
	}
	if rt.bus != nil {
		if err := rt.bus.Close(ctx); err != nil {
			rt.log.WithError(err).Warn("close event bus")
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
