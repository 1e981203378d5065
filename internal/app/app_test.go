package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelsync/internal/session"
	"modelsync/internal/store"
)

func TestOpenLocalStore(t *testing.T) {
	s := Settings{Workspace: t.TempDir(), Actor: "ci"}
	if s.Remote() {
		t.Fatalf("empty endpoint must select the local store")
	}
	sess, err := Open(context.Background(), s)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()
	st, ok := sess.(*store.Store)
	if !ok {
		t.Fatalf("expected *store.Store, got %T", sess)
	}
	if st.Actor != "ci" {
		t.Fatalf("actor = %q", st.Actor)
	}
	l, err := sess.FindByKey(context.Background(), session.KindClass, session.Key{Name: "Tank"})
	if err != nil || l.Found {
		t.Fatalf("fresh store lookup: %v %+v", err, l)
	}
}

func TestOpenRemoteUnreachable(t *testing.T) {
	sess, err := Open(context.Background(), Settings{Endpoint: "http://127.0.0.1:1", Username: "u", Password: "p"})
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if sess != nil {
		t.Fatalf("failed open returned non-nil session %T", sess)
	}
}

func TestWatchFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.yaml")
	if err := os.WriteFile(path, []byte("classes: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fired := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, zerolog.Nop(), func() { fired <- struct{}{} })
	}()
	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if err := os.WriteFile(path, []byte("classes: []\ninstances: []\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("watch callback not called")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}
