// Package jobwatch 监视任务目录，把落盘的 YAML 任务定义提交给编排器。
//
// 带 schedule 的文件走 ScheduleCollection，其余走 CreateJob。同一文件内容只提交一次，
// 内容变化后会作为新任务再次提交。
package jobwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
	"evidence-orchestrator/internal/platform/logging"
	"evidence-orchestrator/internal/services/orchestrator"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Submitter 是 jobwatch 需要的编排器能力。
type Submitter interface {
	CreateJob(ctx context.Context, req orchestrator.JobRequest) (model.CollectionJob, error)
	ScheduleCollection(ctx context.Context, req orchestrator.JobRequest) (model.CollectionJob, error)
}

type Config struct {
	Dir      string
	Debounce time.Duration
}

// Summary 是一次监视会话的统计。
type Summary struct {
	Submitted int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

type Watcher struct {
	cfg Config
	sub Submitter
	log logrus.FieldLogger

	fsWatcher *fsnotify.Watcher
	debounce  *debouncer
	ctx       context.Context
	done      chan struct{}
	wg        sync.WaitGroup
	startTime time.Time

	mu        sync.Mutex
	processed map[string]string // 绝对路径 -> 内容 sha256
	jobs      map[string]string // 绝对路径 -> 最近提交的任务 ID
	submitted int
	failed    int
	skipped   int
}

func New(cfg Config, sub Submitter, log logrus.FieldLogger) *Watcher {
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	return &Watcher{
		cfg:       cfg,
		sub:       sub,
		log:       logging.OrDiscard(log),
		processed: map[string]string{},
		jobs:      map[string]string{},
	}
}

// LoadFile 解析一个任务定义文件。未知字段视为错误，避免拼写错误的配置被静默忽略。
func LoadFile(path string) (orchestrator.JobRequest, []byte, error) {
	var req orchestrator.JobRequest
	raw, err := os.ReadFile(path)
	if err != nil {
		return req, nil, fmt.Errorf("read job file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return req, nil, fmt.Errorf("%w: parse job file %s: %v", model.ErrValidation, filepath.Base(path), err)
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return req, raw, nil
}

func isJobFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Scan 处理目录中已存在的任务文件，按文件名排序。
func (w *Watcher) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("scan jobs dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isJobFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		w.handle(ctx, filepath.Join(w.cfg.Dir, n))
	}
	return nil
}

// Start 先扫描一次目录，再开始监听新建与改写事件，直到 Stop 或 ctx 结束。
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}
	absDir, err := filepath.Abs(w.cfg.Dir)
	if err != nil {
		return err
	}
	w.cfg.Dir = absDir
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(absDir); err != nil {
		fw.Close()
		return err
	}
	w.fsWatcher = fw
	w.ctx = ctx
	w.done = make(chan struct{})
	w.startTime = time.Now()
	w.debounce = newDebouncer(w.cfg.Debounce, func(path string) { w.handle(w.ctx, path) })

	if err := w.Scan(ctx); err != nil {
		w.log.WithError(err).Warn("initial job scan")
	}

	w.wg.Add(1)
	go w.processEvents(ctx)
	w.log.WithField("dir", absDir).Info("watching job definitions")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isJobFile(event.Name) {
				continue
			}
			w.debounce.Add(event.Name)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("job watcher error")
		}
	}
}

// Stop 结束监听并返回统计。可重复调用。
func (w *Watcher) Stop() Summary {
	if w.done != nil {
		select {
		case <-w.done:
		default:
			close(w.done)
		}
	}
	w.wg.Wait()
	if w.debounce != nil {
		w.debounce.CancelAll()
	}
	if w.fsWatcher != nil {
		w.fsWatcher.Close()
		w.fsWatcher = nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Summary{Submitted: w.submitted, Failed: w.failed, Skipped: w.skipped}
	if !w.startTime.IsZero() {
		s.Duration = time.Since(w.startTime)
	}
	return s
}

// JobFor 返回某个文件最近一次提交生成的任务 ID。
func (w *Watcher) JobFor(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.jobs[abs]
	return id, ok
}

func (w *Watcher) handle(ctx context.Context, path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	fields := logrus.Fields{"file": filepath.Base(abs)}
	req, raw, err := LoadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		w.count(&w.failed)
		w.log.WithError(err).WithFields(fields).Warn("load job file")
		return
	}
	sum := hash.Text(string(raw))

	w.mu.Lock()
	if w.processed[abs] == sum {
		w.skipped++
		w.mu.Unlock()
		return
	}
	w.processed[abs] = sum
	w.mu.Unlock()

	var job model.CollectionJob
	if req.Schedule != nil {
		job, err = w.sub.ScheduleCollection(ctx, req)
	} else {
		job, err = w.sub.CreateJob(ctx, req)
	}
	if err != nil {
		w.count(&w.failed)
		w.log.WithError(err).WithFields(fields).Warn("submit job file")
		return
	}
	w.mu.Lock()
	w.jobs[abs] = job.ID
	w.submitted++
	w.mu.Unlock()
	fields["job_id"] = job.ID
	fields["scheduled"] = req.Schedule != nil
	w.log.WithFields(fields).Info("job file submitted")
}

func (w *Watcher) count(n *int) {
	w.mu.Lock()
	*n++
	w.mu.Unlock()
}
