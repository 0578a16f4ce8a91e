package localhost

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"evidence-orchestrator/internal/domain/model"
)

func TestConnect_RefusesRemoteHost(t *testing.T) {
	c := NewConnector()
	_, err := c.Connect(context.Background(), model.EvidenceSource{ID: "s1", Type: model.SourceServer, Hostname: "db-07.corp.example", IPAddress: "10.20.30.40"})
	if !errors.Is(err, model.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if c.Active() != 0 {
		t.Fatalf("no connection should be tracked")
	}
}

func TestConnect_LocalFileAccessAndDisconnect(t *testing.T) {
	ctx := context.Background()
	c := NewConnector()
	conn, err := c.Connect(ctx, model.EvidenceSource{ID: "s1", Type: model.SourceEndpoint, Hostname: "localhost"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.Platform() != runtime.GOOS {
		t.Fatalf("platform=%s", conn.Platform())
	}

	dir := t.TempDir()
	p := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	st, err := conn.Stat(ctx, p)
	if err != nil || st.Size != 5 || st.IsDir {
		t.Fatalf("stat=%+v err=%v", st, err)
	}
	got, err := conn.ReadFile(ctx, p)
	if err != nil || string(got) != "hello" {
		t.Fatalf("read=%q err=%v", got, err)
	}
	list, err := conn.ListDir(ctx, dir)
	if err != nil || len(list) != 1 || list[0].Path != p {
		t.Fatalf("list=%+v err=%v", list, err)
	}
	matches, err := conn.Glob(ctx, filepath.Join(dir, "*.txt"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("glob=%v err=%v", matches, err)
	}

	if c.Active() != 1 {
		t.Fatalf("active=%d", c.Active())
	}
	if err := c.Disconnect(ctx, conn); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := c.Disconnect(ctx, conn); err == nil {
		t.Fatalf("second disconnect should fail")
	}
}
