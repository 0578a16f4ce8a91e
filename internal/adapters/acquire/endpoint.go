package acquire

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
)

// Endpoint 负责终端/磁盘类证据：文件制品、磁盘镜像、事件日志、浏览器制品。
type Endpoint struct {
	// DiskDevice 为空时按平台取默认整盘设备。
	DiskDevice string
	// EventLogWindow 是类 Unix 平台上事件日志的回溯窗口。
	EventLogWindow time.Duration
}

func NewEndpoint() *Endpoint {
	return &Endpoint{EventLogWindow: 24 * time.Hour}
}

func (e *Endpoint) Name() string { return "endpoint" }

func (e *Endpoint) Supports(t model.EvidenceType) bool {
	switch t {
	case model.EvidenceFileArtifact, model.EvidenceDiskImage, model.EvidenceEventLog, model.EvidenceBrowserArtifact:
		return true
	default:
		return false
	}
}

func (e *Endpoint) Acquire(ctx context.Context, conn Connection, req Request) (*Acquisition, error) {
	switch req.Type {
	case model.EvidenceFileArtifact:
		return e.fileArtifacts(ctx, conn, req.Options)
	case model.EvidenceDiskImage:
		return e.diskImage(ctx, conn, req.Options)
	case model.EvidenceEventLog:
		return e.eventLog(ctx, conn)
	case model.EvidenceBrowserArtifact:
		return e.browserArtifacts(ctx, conn, req.Options)
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupported, req.Type)
	}
}

// defaultArtifactPaths 是各平台默认采集的系统制品。
func defaultArtifactPaths(platform string) []string {
	switch platform {
	case "windows":
		return []string{
			`C:\Windows\System32\drivers\etc\hosts`,
			`C:\Windows\System32\config\SAM`,
			`C:\Windows\System32\config\SYSTEM`,
			`C:\Windows\System32\config\SOFTWARE`,
			`C:\Windows\Prefetch\*.pf`,
		}
	case "darwin":
		return []string{
			"/etc/hosts",
			"/etc/passwd",
			"/private/var/log/system.log",
			"/Library/Preferences/SystemConfiguration/com.apple.airport.preferences.plist",
		}
	default:
		return []string{
			"/etc/hosts",
			"/etc/passwd",
			"/etc/group",
			"/etc/crontab",
			"/var/log/auth.log",
			"/var/log/secure",
			"/root/.bash_history",
			"/home/*/.bash_history",
		}
	}
}

type bundledFile struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time,omitempty"`
	SHA256  string    `json:"sha256"`
}

type bundleManifest struct {
	Type                model.EvidenceType `json:"type"`
	Files               []bundledFile      `json:"files"`
	Skipped             map[string]string  `json:"skipped,omitempty"`
	PreserveTimestamps  bool               `json:"preserve_timestamps"`
	CollectDeletedFiles bool               `json:"collect_deleted_files"`
}

// expandPaths 展开通配符并应用排除规则，结果去重排序。
func expandPaths(ctx context.Context, conn Connection, patterns, exclusions []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		candidates := []string{p}
		if strings.ContainsAny(p, "*?[") {
			matches, err := conn.Glob(ctx, p)
			if err != nil {
				continue
			}
			candidates = matches
		}
		for _, c := range candidates {
			if excluded(c, exclusions) {
				continue
			}
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// excluded 按完整路径或文件名匹配排除模式。
func excluded(p string, patterns []string) bool {
	slashed := filepath.ToSlash(p)
	base := path.Base(slashed)
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if ok, _ := path.Match(pat, slashed); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// bundle 把多份文件打成一个 ZIP 载荷（附 manifest.json），作为单条证据登记。
func bundle(ctx context.Context, conn Connection, t model.EvidenceType, paths []string, opts model.CollectionOptions) ([]byte, bundleManifest, error) {
	man := bundleManifest{
		Type:                t,
		Skipped:             map[string]string{},
		PreserveTimestamps:  opts.PreserveTimestamps,
		CollectDeletedFiles: opts.CollectDeletedFiles,
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, man, err
		}
		info, err := conn.Stat(ctx, p)
		if err != nil {
			man.Skipped[p] = err.Error()
			continue
		}
		if info.IsDir {
			man.Skipped[p] = "is a directory"
			continue
		}
		data, err := conn.ReadFile(ctx, p)
		if err != nil {
			man.Skipped[p] = err.Error()
			continue
		}
		sums, _ := hash.Bytes(data, hash.SHA256)

		hdr := &zip.FileHeader{
			Name:   "files/" + zipName(p),
			Method: zip.Deflate,
		}
		if opts.PreserveTimestamps && !info.ModTime.IsZero() {
			hdr.Modified = info.ModTime
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, man, fmt.Errorf("zip create %s: %w", p, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, man, fmt.Errorf("zip write %s: %w", p, err)
		}

		bf := bundledFile{Path: p, Size: int64(len(data)), SHA256: sums[hash.SHA256]}
		if opts.PreserveTimestamps {
			bf.ModTime = info.ModTime
		}
		man.Files = append(man.Files, bf)
	}
	if len(man.Files) == 0 {
		_ = zw.Close()
		return nil, man, fmt.Errorf("no readable %s among %d candidate paths", t, len(paths))
	}

	raw, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return nil, man, err
	}
	w, err := zw.Create("manifest.json")
	if err != nil {
		return nil, man, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, man, err
	}
	if err := zw.Close(); err != nil {
		return nil, man, fmt.Errorf("zip close: %w", err)
	}
	return buf.Bytes(), man, nil
}

// zipName 把路径转换为 ZIP 内的安全名字。
func zipName(p string) string {
	r := strings.NewReplacer(`\`, "/", ":", "_", " ", "_")
	return strings.TrimLeft(r.Replace(p), "/")
}

func bundleMetadata(method string, man bundleManifest) model.EvidenceMetadata {
	md := model.EvidenceMetadata{
		AcquisitionMethod: method,
		MimeType:          "application/zip",
		Extra: map[string]string{
			"file_count":    strconv.Itoa(len(man.Files)),
			"skipped_count": strconv.Itoa(len(man.Skipped)),
		},
	}
	var total int64
	for _, f := range man.Files {
		total += f.Size
	}
	md.OriginalSize = total
	if len(man.Files) == 1 {
		md.OriginalPath = man.Files[0].Path
	}
	if man.PreserveTimestamps {
		md.Extra["timestamps"] = "preserved"
	}
	if man.CollectDeletedFiles {
		// 活体文件接口看不到已删除文件，只记录请求，交给磁盘镜像分析。
		md.Extra["deleted_files"] = "requested; recover from disk_image"
	}
	return md
}

func (e *Endpoint) fileArtifacts(ctx context.Context, conn Connection, opts model.CollectionOptions) (*Acquisition, error) {
	patterns := opts.ArtifactPaths
	if len(patterns) == 0 {
		patterns = defaultArtifactPaths(conn.Platform())
	}
	paths := expandPaths(ctx, conn, patterns, opts.ExclusionPatterns)
	payload, man, err := bundle(ctx, conn, model.EvidenceFileArtifact, paths, opts)
	if err != nil {
		return nil, err
	}
	return &Acquisition{
		Name:        "file_artifacts.zip",
		Description: fmt.Sprintf("%d file artifacts", len(man.Files)),
		Path:        strings.Join(patterns, ";"),
		Payload:     payload,
		Metadata:    bundleMetadata("logical_file_copy", man),
	}, nil
}

func (e *Endpoint) diskImage(ctx context.Context, conn Connection, opts model.CollectionOptions) (*Acquisition, error) {
	if opts.MinimalFootprint {
		return nil, fmt.Errorf("disk_image: %w", ErrFootprint)
	}
	device := e.DiskDevice
	switch conn.Platform() {
	case "windows":
		if device == "" {
			device = `\\.\PhysicalDrive0`
		}
		return nil, fmt.Errorf("%w: disk_image on windows (%s) needs a dedicated imager", model.ErrUnsupported, device)
	case "darwin":
		if device == "" {
			device = "/dev/rdisk0"
		}
	default:
		if device == "" {
			device = "/dev/sda"
		}
	}
	out, err := conn.Run(ctx, "dd", "if="+device, "bs=4M", "status=none")
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", device, err)
	}
	md := model.EvidenceMetadata{
		AcquisitionMethod: "physical_image",
		AcquisitionTool:   "dd",
		OriginalPath:      device,
		MimeType:          "application/octet-stream",
		Extra:             map[string]string{"write_blocking": strconv.FormatBool(opts.WriteBlocking)},
	}
	return &Acquisition{
		Name:        "disk.raw",
		Description: "raw image of " + device,
		Path:        device,
		Payload:     out,
		Metadata:    md,
		Tags:        []string{"disk"},
	}, nil
}

func (e *Endpoint) eventLog(ctx context.Context, conn Connection) (*Acquisition, error) {
	window := e.EventLogWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	var (
		name string
		args []string
		mime = "application/json"
	)
	switch conn.Platform() {
	case "windows":
		name, args, mime = "wevtutil", []string{"qe", "Security", "/f:xml", "/c:5000", "/rd:true"}, "application/xml"
	case "darwin":
		name, args = "log", []string{"show", "--style", "json", "--last", fmt.Sprintf("%dm", int(window.Minutes()))}
	default:
		name, args = "journalctl", []string{"--no-pager", "-o", "json", "--since", fmt.Sprintf("-%dmin", int(window.Minutes()))}
	}
	out, err := conn.Run(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Acquisition{
		Name:        "event_log." + mimeExt(mime),
		Description: "system event log export",
		Path:        name + " " + strings.Join(args, " "),
		Payload:     out,
		Metadata: model.EvidenceMetadata{
			AcquisitionMethod: "log_export",
			AcquisitionTool:   name,
			MimeType:          mime,
		},
	}, nil
}

// browserProfileGlobs 列出各平台常见浏览器历史库位置。
func browserProfileGlobs(platform string) []string {
	switch platform {
	case "windows":
		return []string{
			`C:\Users\*\AppData\Local\Google\Chrome\User Data\*\History`,
			`C:\Users\*\AppData\Local\Microsoft\Edge\User Data\*\History`,
			`C:\Users\*\AppData\Roaming\Mozilla\Firefox\Profiles\*\places.sqlite`,
		}
	case "darwin":
		return []string{
			"/Users/*/Library/Application Support/Google/Chrome/*/History",
			"/Users/*/Library/Application Support/Microsoft Edge/*/History",
			"/Users/*/Library/Application Support/Firefox/Profiles/*/places.sqlite",
			"/Users/*/Library/Safari/History.db",
		}
	default:
		return []string{
			"/home/*/.config/google-chrome/*/History",
			"/home/*/.config/chromium/*/History",
			"/home/*/.mozilla/firefox/*/places.sqlite",
		}
	}
}

func (e *Endpoint) browserArtifacts(ctx context.Context, conn Connection, opts model.CollectionOptions) (*Acquisition, error) {
	paths := expandPaths(ctx, conn, browserProfileGlobs(conn.Platform()), opts.ExclusionPatterns)
	payload, man, err := bundle(ctx, conn, model.EvidenceBrowserArtifact, paths, opts)
	if err != nil {
		return nil, err
	}
	md := bundleMetadata("sqlite_copy", man)
	return &Acquisition{
		Name:        "browser_artifacts.zip",
		Description: fmt.Sprintf("%d browser history databases", len(man.Files)),
		Payload:     payload,
		Metadata:    md,
		Tags:        []string{"browser"},
	}, nil
}

func mimeExt(mime string) string {
	switch mime {
	case "application/xml":
		return "xml"
	case "application/json":
		return "json"
	default:
		return "bin"
	}
}
