package acquire

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"testing"
	"time"

	"howett.net/plist"

	"evidence-orchestrator/internal/domain/model"
)

// fakeConn 是内存中的连接：命令输出与文件内容都来自表。
type fakeConn struct {
	platform string
	cmds     map[string][]byte
	files    map[string][]byte
	mtimes   map[string]time.Time
	ran      []string
}

func newFakeConn(platform string) *fakeConn {
	return &fakeConn{platform: platform, cmds: map[string][]byte{}, files: map[string][]byte{}, mtimes: map[string]time.Time{}}
}

func (f *fakeConn) Source() model.EvidenceSource {
	return model.EvidenceSource{ID: "src_1", Type: model.SourceEndpoint, Hostname: "ws-01"}
}
func (f *fakeConn) Platform() string { return f.platform }

func (f *fakeConn) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.ran = append(f.ran, key)
	if out, ok := f.cmds[key]; ok {
		return out, nil
	}
	if out, ok := f.cmds[name]; ok {
		return out, nil
	}
	return nil, fmt.Errorf("command not found: %s", name)
}

func (f *fakeConn) ReadFile(_ context.Context, p string) ([]byte, error) {
	if b, ok := f.files[p]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("open %s: no such file", p)
}

func (f *fakeConn) Stat(_ context.Context, p string) (FileInfo, error) {
	b, ok := f.files[p]
	if !ok {
		return FileInfo{}, fmt.Errorf("stat %s: no such file", p)
	}
	return FileInfo{Path: p, Size: int64(len(b)), ModTime: f.mtimes[p]}, nil
}

func (f *fakeConn) ListDir(_ context.Context, dir string) ([]FileInfo, error) {
	var out []FileInfo
	for p, b := range f.files {
		if path.Dir(p) == dir {
			out = append(out, FileInfo{Path: p, Size: int64(len(b))})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("list %s: no such directory", dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeConn) Glob(_ context.Context, pattern string) ([]string, error) {
	var out []string
	for p := range f.files {
		if ok, _ := path.Match(pattern, p); ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func zipEntries(t *testing.T, payload []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	out := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = b
	}
	return out
}

func TestEndpoint_FileArtifactsHonorExclusions(t *testing.T) {
	conn := newFakeConn("linux")
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	conn.files["/home/alice/.bash_history"] = []byte("ls\n")
	conn.files["/home/bob/.bash_history"] = []byte("rm -rf /tmp/x\n")
	conn.files["/etc/hosts"] = []byte("127.0.0.1 localhost\n")
	conn.mtimes["/etc/hosts"] = mtime

	set := NewSet(NewEndpoint())
	acq, err := set.Acquire(context.Background(), conn, Request{
		Type: model.EvidenceFileArtifact,
		Options: model.CollectionOptions{
			ArtifactPaths:      []string{"/etc/hosts", "/home/*/.bash_history", "/missing"},
			ExclusionPatterns:  []string{"/home/bob/*"},
			PreserveTimestamps: true,
		},
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	entries := zipEntries(t, acq.Payload)
	if _, ok := entries["files/home/bob/.bash_history"]; ok {
		t.Fatalf("excluded file was bundled")
	}
	if string(entries["files/etc/hosts"]) != "127.0.0.1 localhost\n" {
		t.Fatalf("hosts not bundled: %v", entries)
	}
	var man bundleManifest
	if err := json.Unmarshal(entries["manifest.json"], &man); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(man.Files) != 2 || man.Skipped["/missing"] == "" {
		t.Fatalf("unexpected manifest: %+v", man)
	}
	for _, f := range man.Files {
		if f.Path == "/etc/hosts" && !f.ModTime.Equal(mtime) {
			t.Fatalf("mtime not preserved: %v", f.ModTime)
		}
	}
	if acq.Metadata.SourceHost != "ws-01" || acq.Metadata.Extra["file_count"] != "2" || acq.Metadata.ToolVersion == "" {
		t.Fatalf("metadata not filled: %+v", acq.Metadata)
	}
}

func TestEndpoint_MinimalFootprintRefusesDiskImage(t *testing.T) {
	conn := newFakeConn("linux")
	conn.cmds["dd"] = []byte("raw")
	_, err := NewSet(NewEndpoint()).Acquire(context.Background(), conn, Request{
		Type:    model.EvidenceDiskImage,
		Options: model.CollectionOptions{MinimalFootprint: true},
	})
	if !errors.Is(err, ErrFootprint) {
		t.Fatalf("expected ErrFootprint, got %v", err)
	}
	if len(conn.ran) != 0 {
		t.Fatalf("no command should run in minimal footprint mode, ran %v", conn.ran)
	}
}

func TestSet_UnsupportedType(t *testing.T) {
	_, err := NewSet(NewEndpoint()).Acquire(context.Background(), newFakeConn("linux"), Request{Type: model.EvidenceCloudSnapshot})
	if !errors.Is(err, model.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestLiveResponse_ProcessList(t *testing.T) {
	conn := newFakeConn("linux")
	conn.cmds["ps"] = []byte("    1     0 root     systemd  /sbin/init splash\n  812     1 alice    bash     -bash\nbogus line\n")
	acq, err := NewLiveResponse(nil).Acquire(context.Background(), conn, Request{Type: model.EvidenceProcessList})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var procs []model.ProcessInfo
	if err := json.Unmarshal(acq.Payload, &procs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(procs) != 2 || procs[0].Command != "/sbin/init splash" || procs[1].PPID != 1 || procs[1].User != "alice" {
		t.Fatalf("unexpected processes: %+v", procs)
	}
	if acq.Metadata.AcquisitionTool != "ps" {
		t.Fatalf("tool=%q", acq.Metadata.AcquisitionTool)
	}
}

func TestLiveResponse_MemoryDumpNeedsTool(t *testing.T) {
	conn := newFakeConn("linux")
	if _, err := NewLiveResponse(nil).Acquire(context.Background(), conn, Request{Type: model.EvidenceMemoryDump}); !errors.Is(err, model.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	conn.cmds["avml -"] = []byte("MEMORY")
	lr := NewLiveResponse(map[string][]string{"linux": {"avml", "-"}})
	acq, err := lr.Acquire(context.Background(), conn, Request{Type: model.EvidenceMemoryDump})
	if err != nil || string(acq.Payload) != "MEMORY" || acq.Metadata.AcquisitionTool != "avml" {
		t.Fatalf("acq=%+v err=%v", acq, err)
	}
}

func TestLiveResponse_LaunchdServices(t *testing.T) {
	conn := newFakeConn("darwin")
	raw, err := plist.Marshal(map[string]any{
		"Label":            "com.example.agent",
		"ProgramArguments": []string{"/usr/local/bin/agent", "--daemon"},
		"RunAtLoad":        true,
	}, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("marshal plist: %v", err)
	}
	conn.files["/Library/LaunchDaemons/com.example.agent.plist"] = raw
	conn.files["/Library/LaunchDaemons/README.txt"] = []byte("ignored")

	acq, err := NewLiveResponse(nil).Acquire(context.Background(), conn, Request{Type: model.EvidenceServices})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	var svcs []model.ServiceInfo
	if err := json.Unmarshal(acq.Payload, &svcs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(svcs) != 1 || svcs[0].Name != "com.example.agent" || !svcs[0].RunAtLoad || svcs[0].Program != "/usr/local/bin/agent --daemon" {
		t.Fatalf("unexpected services: %+v", svcs)
	}
}

func TestParsers(t *testing.T) {
	mods := parseLsmod([]byte("Module                  Size  Used by\nnf_tables             307200  0\nxt_conntrack           12288  2 nf_nat\n"))
	if len(mods) != 2 || mods[1].UsedBy != "nf_nat" || mods[0].Size != 307200 {
		t.Fatalf("lsmod: %+v", mods)
	}

	files := parseLsofFields([]byte("p42\ncsshd\nf3\ntIPv4\nnlocalhost:22\nfcwd\ntDIR\nn/\n"))
	if len(files) != 2 || files[0].PID != 42 || files[0].Command != "sshd" || files[1].Path != "/" {
		t.Fatalf("lsof: %+v", files)
	}

	tasks := parseCrontab([]byte("SHELL=/bin/sh\n# comment\n*/5 * * * * root /usr/bin/backup --full\n@reboot root /opt/agent\n"), true)
	if len(tasks) != 2 || tasks[0].User != "root" || tasks[0].Command != "/usr/bin/backup --full" || tasks[1].Schedule != "@reboot" {
		t.Fatalf("crontab: %+v", tasks)
	}

	sess := parseWho([]byte("alice    pts/0        2024-03-01 09:12 (10.0.0.5)\nbob      tty1         2024-03-01 08:00\n"))
	if len(sess) != 2 || sess[0].Host != "10.0.0.5" || sess[1].LoginAt != "2024-03-01 08:00" {
		t.Fatalf("who: %+v", sess)
	}

	svcs := parseSCQuery([]byte("SERVICE_NAME: wuauserv\nDISPLAY_NAME: Windows Update\n        STATE              : 4  RUNNING\n\nSERVICE_NAME: Spooler\n        STATE              : 1  STOPPED\n"))
	if len(svcs) != 2 || svcs[0].State != "running" || svcs[1].State != "stopped" || svcs[0].Description != "Windows Update" {
		t.Fatalf("sc: %+v", svcs)
	}

	conns := parseNetstat([]byte("Proto Recv-Q Send-Q Local Address Foreign Address State PID/Program name\ntcp 0 0 10.0.0.2:22 10.0.0.5:51514 ESTABLISHED 812/sshd\nudp 0 0 0.0.0.0:68 0.0.0.0:*\n"), "linux")
	if len(conns) != 2 || conns[0].PID != 812 || conns[0].State != "ESTABLISHED" || conns[1].State != "" {
		t.Fatalf("netstat: %+v", conns)
	}
	winConns := parseNetstat([]byte("  TCP    10.0.0.2:445   10.0.0.9:50000   ESTABLISHED   4\n  UDP    0.0.0.0:123    *:*                            980\n"), "windows")
	if len(winConns) != 2 || winConns[0].PID != 4 || winConns[1].PID != 980 || winConns[1].State != "" {
		t.Fatalf("netstat windows: %+v", winConns)
	}
}

func TestNetwork_CaptureRefusedInMinimalFootprint(t *testing.T) {
	conn := newFakeConn("linux")
	conn.cmds["tcpdump"] = []byte("pcap")
	n := NewNetwork()
	if _, err := n.Acquire(context.Background(), conn, Request{Type: model.EvidenceNetworkCapture, Options: model.CollectionOptions{MinimalFootprint: true}}); !errors.Is(err, ErrFootprint) {
		t.Fatalf("expected ErrFootprint, got %v", err)
	}
	acq, err := n.Acquire(context.Background(), conn, Request{Type: model.EvidenceNetworkCapture})
	if err != nil || string(acq.Payload) != "pcap" {
		t.Fatalf("capture: %+v %v", acq, err)
	}
	conn.cmds["arp -an"] = []byte("? (10.0.0.1) at aa:bb:cc:dd:ee:ff on eth0")
	acq, err = n.Acquire(context.Background(), conn, Request{Type: model.EvidenceARPTable})
	if err != nil || acq.Metadata.MimeType != "text/plain" {
		t.Fatalf("arp: %+v %v", acq, err)
	}
}

type fakeCloudClient struct {
	types []string
	fail  map[string]bool
}

func (c *fakeCloudClient) ResourceTypes(context.Context) ([]string, error) { return c.types, nil }
func (c *fakeCloudClient) Snapshot(_ context.Context, rt string) (*Acquisition, error) {
	if c.fail[rt] {
		return nil, fmt.Errorf("access denied")
	}
	return &Acquisition{Payload: []byte(`{"items":[]}`)}, nil
}
func (c *fakeCloudClient) Close() error { return nil }

type fakeFactory struct{ client *fakeCloudClient }

func (f fakeFactory) NewClient(context.Context, model.CloudConfig) (CloudClient, error) {
	return f.client, nil
}

func TestCloud_ResourceTypesAndSnapshot(t *testing.T) {
	cfg := model.CloudConfig{Provider: model.CloudAWS, Region: "eu-west-1", AccountID: "123"}
	if err := ValidateCloudConfig(model.CloudConfig{Provider: "oracle", Region: "x"}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	c := NewCloud(fakeFactory{client: &fakeCloudClient{types: []string{"ec2", "s3"}, fail: map[string]bool{"s3": true}}})
	client, err := c.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	types, err := c.ResourceTypes(context.Background(), client, cfg)
	if err != nil || len(types) != 2 {
		t.Fatalf("types=%v err=%v", types, err)
	}
	acq, err := c.Snapshot(context.Background(), client, cfg, "ec2")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if acq.Name != "ec2.json" || acq.Metadata.Extra["region"] != "eu-west-1" || acq.Metadata.SourceHost != "aws:eu-west-1:123" {
		t.Fatalf("unexpected acquisition: %+v", acq)
	}
	if _, err := c.Snapshot(context.Background(), client, cfg, "s3"); err == nil {
		t.Fatalf("expected snapshot failure")
	}
	if _, err := NewCloud(nil).Open(context.Background(), cfg); !errors.Is(err, model.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}
