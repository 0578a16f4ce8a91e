package acquire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"howett.net/plist"

	"evidence-orchestrator/internal/domain/model"
)

// LiveResponse 负责易失性数据：进程、打开文件、内核模块、系统信息、服务、计划任务、会话与内存镜像。
// 结构化的类型以 JSON 载荷返回（对应 model 中的 facet 类型），内存镜像返回原始字节。
type LiveResponse struct {
	// MemoryCommand 是按平台配置的内存采集命令，stdout 即镜像。未配置的平台拒绝 memory_dump。
	MemoryCommand map[string][]string
	// LaunchdDirs 是 macOS 上扫描 launchd plist 的目录。
	LaunchdDirs []string
}

func NewLiveResponse(memoryCommand map[string][]string) *LiveResponse {
	return &LiveResponse{
		MemoryCommand: memoryCommand,
		LaunchdDirs:   []string{"/Library/LaunchDaemons", "/Library/LaunchAgents", "/System/Library/LaunchDaemons"},
	}
}

func (l *LiveResponse) Name() string { return "live_response" }

func (l *LiveResponse) Supports(t model.EvidenceType) bool {
	switch t {
	case model.EvidenceMemoryDump, model.EvidenceProcessList, model.EvidenceOpenFiles,
		model.EvidenceLoadedModules, model.EvidenceSystemInfo, model.EvidenceServices,
		model.EvidenceScheduledTasks, model.EvidenceUserSessions:
		return true
	default:
		return false
	}
}

func (l *LiveResponse) Acquire(ctx context.Context, conn Connection, req Request) (*Acquisition, error) {
	var (
		facet any
		cmd   string
		err   error
	)
	switch req.Type {
	case model.EvidenceMemoryDump:
		return l.memoryDump(ctx, conn)
	case model.EvidenceProcessList:
		facet, cmd, err = processList(ctx, conn)
	case model.EvidenceOpenFiles:
		facet, cmd, err = openFiles(ctx, conn)
	case model.EvidenceLoadedModules:
		facet, cmd, err = loadedModules(ctx, conn)
	case model.EvidenceSystemInfo:
		facet, cmd, err = systemInfo(ctx, conn)
	case model.EvidenceServices:
		facet, cmd, err = l.services(ctx, conn)
	case model.EvidenceScheduledTasks:
		facet, cmd, err = scheduledTasks(ctx, conn)
	case model.EvidenceUserSessions:
		facet, cmd, err = userSessions(ctx, conn)
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupported, req.Type)
	}
	if err != nil {
		return nil, err
	}
	return jsonAcquisition(req.Type, cmd, "live_response", facet)
}

// jsonAcquisition 把结构化结果序列化为一条证据载荷。
func jsonAcquisition(t model.EvidenceType, cmd, method string, facet any) (*Acquisition, error) {
	raw, err := json.MarshalIndent(facet, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	tool, _, _ := strings.Cut(cmd, " ")
	return &Acquisition{
		Name:        string(t) + ".json",
		Description: string(t) + " via " + cmd,
		Path:        cmd,
		Payload:     raw,
		Metadata: model.EvidenceMetadata{
			AcquisitionMethod: method,
			AcquisitionTool:   tool,
			MimeType:          "application/json",
		},
		Tags: []string{"volatile"},
	}, nil
}

func (l *LiveResponse) memoryDump(ctx context.Context, conn Connection) (*Acquisition, error) {
	argv := l.MemoryCommand[conn.Platform()]
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: no memory acquisition tool configured for %s", model.ErrUnsupported, conn.Platform())
	}
	out, err := conn.Run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return nil, fmt.Errorf("memory dump: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("memory dump: tool produced no data")
	}
	return &Acquisition{
		Name:        "memory.raw",
		Description: "physical memory image",
		Path:        strings.Join(argv, " "),
		Payload:     out,
		Metadata: model.EvidenceMetadata{
			AcquisitionMethod: "memory_acquisition",
			AcquisitionTool:   path.Base(argv[0]),
			MimeType:          "application/octet-stream",
		},
		Tags: []string{"volatile", "memory"},
	}, nil
}

func processList(ctx context.Context, conn Connection) ([]model.ProcessInfo, string, error) {
	if conn.Platform() == "windows" {
		out, err := conn.Run(ctx, "tasklist", "/fo", "csv", "/nh")
		if err != nil {
			return nil, "tasklist", fmt.Errorf("tasklist: %w", err)
		}
		return parseTasklist(out), "tasklist", nil
	}
	out, err := conn.Run(ctx, "ps", "-eo", "pid=,ppid=,user=,comm=,args=")
	if err != nil {
		return nil, "ps", fmt.Errorf("ps: %w", err)
	}
	return parsePS(out), "ps", nil
}

// parsePS 解析 `ps -eo pid=,ppid=,user=,comm=,args=`。
func parsePS(out []byte) []model.ProcessInfo {
	var procs []model.ProcessInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 4 {
			continue
		}
		pid, err := strconv.Atoi(f[0])
		if err != nil {
			continue
		}
		ppid, _ := strconv.Atoi(f[1])
		p := model.ProcessInfo{PID: pid, PPID: ppid, User: f[2], Name: f[3]}
		if len(f) > 4 {
			p.Command = strings.Join(f[4:], " ")
		}
		procs = append(procs, p)
	}
	return procs
}

// parseTasklist 解析 `tasklist /fo csv /nh`："Image","PID","Session","Session#","Mem"。
func parseTasklist(out []byte) []model.ProcessInfo {
	r := csv.NewReader(bytes.NewReader(out))
	r.FieldsPerRecord = -1
	recs, _ := r.ReadAll()
	var procs []model.ProcessInfo
	for _, rec := range recs {
		if len(rec) < 2 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			continue
		}
		procs = append(procs, model.ProcessInfo{PID: pid, Name: strings.TrimSpace(rec[0])})
	}
	return procs
}

func openFiles(ctx context.Context, conn Connection) ([]model.OpenFile, string, error) {
	if conn.Platform() == "windows" {
		return nil, "", fmt.Errorf("%w: open_files on windows", model.ErrUnsupported)
	}
	out, err := conn.Run(ctx, "lsof", "-n", "-P", "-F", "pcftn")
	if err != nil && len(out) == 0 {
		return nil, "lsof", fmt.Errorf("lsof: %w", err)
	}
	return parseLsofFields(out), "lsof", nil
}

// parseLsofFields 解析 lsof -F 输出：p 行开启进程，f 行开启文件，后续 c/t/n 为属性。
func parseLsofFields(out []byte) []model.OpenFile {
	var (
		files []model.OpenFile
		pid   int
		cmd   string
		cur   *model.OpenFile
	)
	flush := func() {
		if cur != nil && cur.Path != "" {
			files = append(files, *cur)
		}
		cur = nil
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		v := line[1:]
		switch line[0] {
		case 'p':
			flush()
			pid, _ = strconv.Atoi(v)
			cmd = ""
		case 'c':
			cmd = v
		case 'f':
			flush()
			cur = &model.OpenFile{PID: pid, Command: cmd, FD: v}
		case 't':
			if cur != nil {
				cur.Type = v
			}
		case 'n':
			if cur != nil {
				cur.Path = v
			}
		}
	}
	flush()
	return files
}

func loadedModules(ctx context.Context, conn Connection) ([]model.LoadedModule, string, error) {
	switch conn.Platform() {
	case "windows":
		out, err := conn.Run(ctx, "driverquery", "/fo", "csv", "/nh")
		if err != nil {
			return nil, "driverquery", fmt.Errorf("driverquery: %w", err)
		}
		r := csv.NewReader(bytes.NewReader(out))
		r.FieldsPerRecord = -1
		recs, _ := r.ReadAll()
		var mods []model.LoadedModule
		for _, rec := range recs {
			if len(rec) > 0 && strings.TrimSpace(rec[0]) != "" {
				mods = append(mods, model.LoadedModule{Name: strings.TrimSpace(rec[0])})
			}
		}
		return mods, "driverquery", nil
	case "darwin":
		out, err := conn.Run(ctx, "kextstat", "-l")
		if err != nil {
			return nil, "kextstat", fmt.Errorf("kextstat: %w", err)
		}
		var mods []model.LoadedModule
		for _, line := range strings.Split(string(out), "\n") {
			f := strings.Fields(line)
			if len(f) >= 6 {
				size, _ := strconv.ParseInt(strings.TrimPrefix(f[3], "0x"), 16, 64)
				mods = append(mods, model.LoadedModule{Name: f[5], Size: size})
			}
		}
		return mods, "kextstat", nil
	default:
		out, err := conn.Run(ctx, "lsmod")
		if err != nil {
			return nil, "lsmod", fmt.Errorf("lsmod: %w", err)
		}
		return parseLsmod(out), "lsmod", nil
	}
}

// parseLsmod 解析 lsmod：Module Size Used by。
func parseLsmod(out []byte) []model.LoadedModule {
	var mods []model.LoadedModule
	for i, line := range strings.Split(string(out), "\n") {
		f := strings.Fields(line)
		if i == 0 || len(f) < 3 {
			continue
		}
		size, _ := strconv.ParseInt(f[1], 10, 64)
		m := model.LoadedModule{Name: f[0], Size: size}
		if len(f) > 3 {
			m.UsedBy = f[3]
		}
		mods = append(mods, m)
	}
	return mods
}

func systemInfo(ctx context.Context, conn Connection) (map[string]string, string, error) {
	info := map[string]string{"platform": conn.Platform()}
	if conn.Platform() == "windows" {
		out, err := conn.Run(ctx, "systeminfo", "/fo", "csv")
		if err != nil {
			return nil, "systeminfo", fmt.Errorf("systeminfo: %w", err)
		}
		r := csv.NewReader(bytes.NewReader(out))
		r.FieldsPerRecord = -1
		recs, _ := r.ReadAll()
		if len(recs) >= 2 {
			for i, k := range recs[0] {
				if i < len(recs[1]) {
					info[strings.TrimSpace(k)] = strings.TrimSpace(recs[1][i])
				}
			}
		}
		return info, "systeminfo", nil
	}
	out, err := conn.Run(ctx, "uname", "-a")
	if err != nil {
		return nil, "uname", fmt.Errorf("uname: %w", err)
	}
	info["uname"] = strings.TrimSpace(string(out))
	// 其余字段尽力而为，失败不影响整体结果。
	if v, err := conn.Run(ctx, "hostname"); err == nil {
		info["hostname"] = strings.TrimSpace(string(v))
	}
	if v, err := conn.Run(ctx, "uptime"); err == nil {
		info["uptime"] = strings.TrimSpace(string(v))
	}
	if conn.Platform() == "darwin" {
		if v, err := conn.Run(ctx, "sw_vers"); err == nil {
			info["sw_vers"] = strings.TrimSpace(string(v))
		}
	} else if v, err := conn.ReadFile(ctx, "/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(v), "\n") {
			if k, val, ok := strings.Cut(line, "="); ok && k == "PRETTY_NAME" {
				info["os_release"] = strings.Trim(val, `"`)
			}
		}
	}
	return info, "uname", nil
}

func (l *LiveResponse) services(ctx context.Context, conn Connection) ([]model.ServiceInfo, string, error) {
	switch conn.Platform() {
	case "windows":
		out, err := conn.Run(ctx, "sc", "query", "type=", "service", "state=", "all")
		if err != nil {
			return nil, "sc", fmt.Errorf("sc query: %w", err)
		}
		return parseSCQuery(out), "sc", nil
	case "darwin":
		svcs, err := l.launchdServices(ctx, conn)
		return svcs, "launchd", err
	default:
		out, err := conn.Run(ctx, "systemctl", "list-units", "--type=service", "--all", "--no-pager", "--no-legend", "--plain")
		if err != nil {
			return nil, "systemctl", fmt.Errorf("systemctl: %w", err)
		}
		return parseSystemctl(out), "systemctl", nil
	}
}

// parseSystemctl 解析 `systemctl list-units --plain --no-legend`：UNIT LOAD ACTIVE SUB DESCRIPTION。
func parseSystemctl(out []byte) []model.ServiceInfo {
	var svcs []model.ServiceInfo
	for _, line := range strings.Split(string(out), "\n") {
		f := strings.Fields(line)
		if len(f) < 4 {
			continue
		}
		s := model.ServiceInfo{Name: f[0], State: f[2] + "/" + f[3]}
		if len(f) > 4 {
			s.Description = strings.Join(f[4:], " ")
		}
		svcs = append(svcs, s)
	}
	return svcs
}

// parseSCQuery 解析 `sc query` 的 SERVICE_NAME / DISPLAY_NAME / STATE 段落。
func parseSCQuery(out []byte) []model.ServiceInfo {
	var (
		svcs []model.ServiceInfo
		cur  *model.ServiceInfo
	)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch k {
		case "SERVICE_NAME":
			if cur != nil {
				svcs = append(svcs, *cur)
			}
			cur = &model.ServiceInfo{Name: v}
		case "DISPLAY_NAME":
			if cur != nil {
				cur.Description = v
			}
		case "STATE":
			if cur != nil {
				f := strings.Fields(v)
				if len(f) >= 2 {
					cur.State = strings.ToLower(f[1])
				}
			}
		}
	}
	if cur != nil {
		svcs = append(svcs, *cur)
	}
	return svcs
}

type launchdPlist struct {
	Label            string   `plist:"Label"`
	Program          string   `plist:"Program"`
	ProgramArguments []string `plist:"ProgramArguments"`
	RunAtLoad        bool     `plist:"RunAtLoad"`
	Disabled         bool     `plist:"Disabled"`
}

// launchdServices 读取 launchd plist（XML 或二进制，howett.net/plist 都支持）。
func (l *LiveResponse) launchdServices(ctx context.Context, conn Connection) ([]model.ServiceInfo, error) {
	var svcs []model.ServiceInfo
	var readErr error
	for _, dir := range l.LaunchdDirs {
		entries, err := conn.ListDir(ctx, dir)
		if err != nil {
			readErr = err
			continue
		}
		for _, e := range entries {
			if e.IsDir || !strings.HasSuffix(strings.ToLower(e.Path), ".plist") {
				continue
			}
			raw, err := conn.ReadFile(ctx, e.Path)
			if err != nil || len(raw) == 0 {
				continue
			}
			if s, ok := parseLaunchdPlist(raw, e.Path); ok {
				svcs = append(svcs, s)
			}
		}
	}
	if len(svcs) == 0 && readErr != nil {
		return nil, fmt.Errorf("launchd: %w", readErr)
	}
	sort.Slice(svcs, func(i, j int) bool { return svcs[i].Name < svcs[j].Name })
	return svcs, nil
}

func parseLaunchdPlist(raw []byte, file string) (model.ServiceInfo, bool) {
	var p launchdPlist
	if _, err := plist.Unmarshal(raw, &p); err != nil {
		return model.ServiceInfo{}, false
	}
	name := strings.TrimSpace(p.Label)
	if name == "" {
		name = strings.TrimSuffix(path.Base(file), ".plist")
	}
	prog := strings.TrimSpace(p.Program)
	if prog == "" && len(p.ProgramArguments) > 0 {
		prog = strings.Join(p.ProgramArguments, " ")
	}
	state := "enabled"
	if p.Disabled {
		state = "disabled"
	}
	return model.ServiceInfo{
		Name:        name,
		State:       state,
		Program:     prog,
		Description: file,
		RunAtLoad:   p.RunAtLoad,
	}, true
}

func scheduledTasks(ctx context.Context, conn Connection) ([]model.ScheduledTask, string, error) {
	if conn.Platform() == "windows" {
		out, err := conn.Run(ctx, "schtasks", "/query", "/fo", "csv", "/nh")
		if err != nil {
			return nil, "schtasks", fmt.Errorf("schtasks: %w", err)
		}
		r := csv.NewReader(bytes.NewReader(out))
		r.FieldsPerRecord = -1
		recs, _ := r.ReadAll()
		var tasks []model.ScheduledTask
		for _, rec := range recs {
			if len(rec) >= 2 {
				tasks = append(tasks, model.ScheduledTask{Name: rec[0], Schedule: rec[1], Command: rec[0]})
			}
		}
		return tasks, "schtasks", nil
	}

	var tasks []model.ScheduledTask
	var lastErr error
	if out, err := conn.Run(ctx, "crontab", "-l"); err == nil {
		tasks = append(tasks, parseCrontab(out, false)...)
	} else {
		lastErr = err
	}
	if raw, err := conn.ReadFile(ctx, "/etc/crontab"); err == nil {
		tasks = append(tasks, parseCrontab(raw, true)...)
	} else if lastErr != nil && len(tasks) == 0 {
		return nil, "crontab", fmt.Errorf("crontab: %w", lastErr)
	}
	return tasks, "crontab", nil
}

// parseCrontab 解析 crontab；系统 crontab 多一个 user 列。
func parseCrontab(raw []byte, system bool) []model.ScheduledTask {
	var tasks []model.ScheduledTask
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Fields(line)
		if strings.Contains(f[0], "=") {
			continue
		}
		var sched string
		rest := f
		if strings.HasPrefix(f[0], "@") {
			sched, rest = f[0], f[1:]
		} else if len(f) >= 6 {
			sched, rest = strings.Join(f[:5], " "), f[5:]
		} else {
			continue
		}
		t := model.ScheduledTask{Schedule: sched}
		if system && len(rest) > 1 {
			t.User, rest = rest[0], rest[1:]
		}
		if len(rest) == 0 {
			continue
		}
		t.Command = strings.Join(rest, " ")
		tasks = append(tasks, t)
	}
	return tasks
}

func userSessions(ctx context.Context, conn Connection) ([]model.UserSession, string, error) {
	if conn.Platform() == "windows" {
		out, err := conn.Run(ctx, "query", "user")
		if err != nil && len(out) == 0 {
			return nil, "query user", fmt.Errorf("query user: %w", err)
		}
		var sess []model.UserSession
		for i, line := range strings.Split(string(out), "\n") {
			f := strings.Fields(strings.TrimPrefix(line, ">"))
			if i == 0 || len(f) < 2 {
				continue
			}
			sess = append(sess, model.UserSession{User: f[0], Terminal: f[1]})
		}
		return sess, "query user", nil
	}
	out, err := conn.Run(ctx, "who")
	if err != nil {
		return nil, "who", fmt.Errorf("who: %w", err)
	}
	return parseWho(out), "who", nil
}

// parseWho 解析 who：user tty date time (host)。
func parseWho(out []byte) []model.UserSession {
	var sess []model.UserSession
	for _, line := range strings.Split(string(out), "\n") {
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		s := model.UserSession{User: f[0], Terminal: f[1]}
		rest := f[2:]
		if n := len(rest); n > 0 && strings.HasPrefix(rest[n-1], "(") {
			s.Host = strings.Trim(rest[n-1], "()")
			rest = rest[:n-1]
		}
		s.LoginAt = strings.Join(rest, " ")
		sess = append(sess, s)
	}
	return sess
}
