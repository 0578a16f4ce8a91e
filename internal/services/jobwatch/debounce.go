package jobwatch

import (
	"sync"
	"time"
)

// debouncer 合并同一文件的连续事件，静默 delay 后才回调一次。
type debouncer struct {
	delay    time.Duration
	callback func(path string)

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newDebouncer(delay time.Duration, callback func(path string)) *debouncer {
	return &debouncer{delay: delay, callback: callback, pending: map[string]*time.Timer{}}
}

func (d *debouncer) Add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.pending[path]; ok {
		t.Stop()
	}
	d.pending[path] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.pending, path)
		d.mu.Unlock()
		d.callback(path)
	})
}

func (d *debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, t := range d.pending {
		t.Stop()
		delete(d.pending, p)
	}
}

func (d *debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
