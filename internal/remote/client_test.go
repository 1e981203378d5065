package remote_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"modelsync/internal/db"
	"modelsync/internal/domain"
	"modelsync/internal/engine"
	"modelsync/internal/events"
	"modelsync/internal/migrate"
	"modelsync/internal/model"
	"modelsync/internal/remote"
	"modelsync/internal/server"
	"modelsync/internal/session"
	"modelsync/internal/store"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	handler, err := server.New(server.Config{
		Store: store.New(conn),
		Auth: server.AuthConfig{
			JWTSecret: "remote-test",
			Users:     map[string]string{"ops": string(hash)},
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return "http://" + ln.Addr().String()
}

func connect(t *testing.T, endpoint string) *remote.Client {
	t.Helper()
	c, err := remote.Connect(context.Background(), endpoint, session.Credentials{Username: "ops", Password: "pw"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectFailures(t *testing.T) {
	endpoint := newTestServer(t)
	ctx := context.Background()

	_, err := remote.Connect(ctx, endpoint, session.Credentials{Username: "ops", Password: "nope"})
	if !domain.IsConnection(err) {
		t.Fatalf("bad password: expected connection error, got %v", err)
	}
	_, err = remote.Connect(ctx, endpoint, session.Credentials{Token: "garbage"})
	if !domain.IsConnection(err) {
		t.Fatalf("bad token: expected connection error, got %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := "http://" + ln.Addr().String()
	ln.Close()
	_, err = remote.Connect(ctx, closed, session.Credentials{Username: "ops", Password: "pw"})
	if !domain.IsConnection(err) {
		t.Fatalf("closed port: expected connection error, got %v", err)
	}
	if _, err := remote.Connect(ctx, "ftp://example.com", session.Credentials{}); !domain.IsConnection(err) {
		t.Fatalf("bad scheme: expected connection error, got %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	c := connect(t, newTestServer(t))
	ctx := context.Background()

	if _, err := c.Get(ctx, session.KindClass, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := c.BeginUpdate(ctx, session.Ref{Kind: session.KindInstance, ID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("begin update on missing id: %v", err)
	}
	if _, err := c.Query(ctx, session.KindClass, session.Predicate{"Colour": "red"}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	h, err := c.BeginCreate(ctx, session.KindInstance)
	if err != nil {
		t.Fatalf("begin create: %v", err)
	}
	h.SetField(session.FieldName, "orphan")
	h.SetField(session.FieldClass, "no-such-class")
	if _, err := c.Commit(ctx, h); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if !h.Released() {
		t.Fatalf("commit should release the handle")
	}
	if _, err := c.Commit(ctx, h); !errors.Is(err, session.ErrHandleReleased) {
		t.Fatalf("expected released handle error, got %v", err)
	}
}

func TestReconcileOverHTTP(t *testing.T) {
	c := connect(t, newTestServer(t))
	ctx := context.Background()

	orch := engine.NewOrchestrator(c, false, zerolog.Nop())
	first, err := orch.Reconcile(ctx, model.Default())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if first.Failed() || first.Count(engine.StatusUpdated) != 0 {
		t.Fatalf("first run: %s %+v", first.Summary(), first.Entries)
	}

	tank, err := c.FindByKey(ctx, session.KindClass, session.Key{Name: "Tank"})
	if err != nil || !tank.Found {
		t.Fatalf("find Tank: %v %+v", err, tank)
	}
	pump, err := c.FindByKey(ctx, session.KindClass, session.Key{Name: "Pump"})
	if err != nil || !pump.Found {
		t.Fatalf("find Pump: %v %+v", err, pump)
	}
	source, err := c.FindByKey(ctx, session.KindInstance, session.Key{Owner: tank.ID(), Name: "Example site.Water transfer system.Tank area.Source tank"})
	if err != nil || !source.Found {
		t.Fatalf("find source tank: %v %+v", err, source)
	}
	inst, err := c.FindByKey(ctx, session.KindInstance, session.Key{Owner: pump.ID(), Name: "Example site.Water transfer system.Pump section.Pump"})
	if err != nil || !inst.Found {
		t.Fatalf("find pump: %v %+v", err, inst)
	}
	if got := inst.Ref.Values["Source tank"]; got != source.ID() {
		t.Fatalf("Source tank = %v, want %s", got, source.ID())
	}
	if got := inst.Ref.Values["Manufacturer"]; got != "Pumps & Pipes Inc." {
		t.Fatalf("inherited Manufacturer = %v", got)
	}

	second, err := orch.Reconcile(ctx, model.Default())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	for _, e := range second.Entries {
		if e.Status != engine.StatusUpdated || len(e.Changes) != 0 {
			t.Fatalf("expected no-delta update, got %+v", e)
		}
	}

	evts, err := c.Events(ctx, 1, events.Filter{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].ActorID != "ops" {
		t.Fatalf("unexpected events %+v", evts)
	}
}
