package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelsync/internal/db"
	"modelsync/internal/domain"
	"modelsync/internal/engine"
	"modelsync/internal/migrate"
	"modelsync/internal/model"
	"modelsync/internal/session"
	"modelsync/internal/store"
)

type testEnv struct {
	Store *store.Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(conn)
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Store: s, Ctx: ctx}
}

func reconcile(t *testing.T, sess session.Session, m *model.Model) *engine.Report {
	t.Helper()
	rep, err := engine.NewOrchestrator(sess, false, zerolog.Nop()).Reconcile(context.Background(), m)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return rep
}

// recorder wraps a session to observe or break commits.
type recorder struct {
	session.Session
	commits []string
	failOn  func(h *session.Handle) error
}

func (r *recorder) Commit(ctx context.Context, h *session.Handle) (session.CommitResult, error) {
	fields := h.Fields()
	name, _ := fields[session.FieldName].(string)
	if h.Kind == session.KindProperty {
		name, _ = fields[session.FieldDisplayName].(string)
	}
	if r.failOn != nil {
		if err := r.failOn(h); err != nil {
			r.Session.Discard(h)
			return session.CommitResult{}, err
		}
	}
	r.commits = append(r.commits, string(h.Kind)+":"+name)
	return r.Session.Commit(ctx, h)
}

func TestReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := reconcile(t, env.Store, model.Default())
	if first.Failed() {
		t.Fatalf("first run failed: %+v", first.Entries)
	}
	if first.Count(engine.StatusUpdated) != 0 {
		t.Fatalf("first run should only create: %s", first.Summary())
	}
	second := reconcile(t, env.Store, model.Default())
	if second.Count(engine.StatusCreated) != 0 || second.Failed() {
		t.Fatalf("second run: %s", second.Summary())
	}
	for _, e := range second.Entries {
		if e.Status != engine.StatusUpdated || len(e.Changes) != 0 {
			t.Fatalf("expected no-delta update, got %+v", e)
		}
	}
	if len(first.Entries) != len(second.Entries) {
		t.Fatalf("entry count changed: %d vs %d", len(first.Entries), len(second.Entries))
	}
}

func TestBaseCommittedBeforeDerived(t *testing.T) {
	env := newTestEnv(t)
	rec := &recorder{Session: env.Store}
	reconcile(t, rec, model.Default())
	pos := map[string]int{}
	for i, c := range rec.commits {
		pos[c] = i
	}
	for _, c := range model.Default().Classes {
		if c.Base == "" {
			continue
		}
		if pos["class:"+c.Base] >= pos["class:"+c.Name] {
			t.Fatalf("class %s committed before its base %s: %v", c.Name, c.Base, rec.commits)
		}
	}
}

func TestPropertyKeyIsClassScoped(t *testing.T) {
	env := newTestEnv(t)
	m, err := model.FromYAML([]byte(`
classes:
  - name: Tank
    properties:
      - {name: Level, type: Double, unit: mm}
  - name: Pump
    properties:
      - {name: Level, type: Double, unit: mm}
`))
	if err != nil {
		t.Fatal(err)
	}
	reconcile(t, env.Store, m)
	refs, err := env.Store.Query(env.Ctx, session.KindProperty, session.Predicate{session.FieldDisplayName: "Level"})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].ID == refs[1].ID || refs[0].StringField(session.FieldClass) == refs[1].StringField(session.FieldClass) {
		t.Fatalf("expected two distinct Level properties, got %+v", refs)
	}
}

func TestInstanceReferenceReadsBack(t *testing.T) {
	env := newTestEnv(t)
	reconcile(t, env.Store, model.Default())
	tankClass, _ := env.Store.FindByKey(env.Ctx, session.KindClass, session.Key{Name: "Tank"})
	pumpClass, _ := env.Store.FindByKey(env.Ctx, session.KindClass, session.Key{Name: "Pump"})
	source, err := env.Store.FindByKey(env.Ctx, session.KindInstance, session.Key{Owner: tankClass.ID(), Name: "Example site.Water transfer system.Tank area.Source tank"})
	if err != nil || !source.Found {
		t.Fatalf("source tank: %+v %v", source, err)
	}
	pump, err := env.Store.FindByKey(env.Ctx, session.KindInstance, session.Key{Owner: pumpClass.ID(), Name: "Example site.Water transfer system.Pump section.Pump"})
	if err != nil || !pump.Found {
		t.Fatalf("pump: %+v %v", pump, err)
	}
	if got := pump.Ref.Values["Source tank"]; got != source.ID() {
		t.Fatalf("Source tank = %#v, want %s", got, source.ID())
	}
	if got := pump.Ref.Values["Manufacturer"]; got != "Pumps & Pipes Inc." {
		t.Fatalf("Manufacturer = %#v", got)
	}
	if got := pump.Ref.Values["Nominal power"]; got != float64(1000) {
		t.Fatalf("Nominal power = %#v", got)
	}
}

func TestDeviceTankVolumeScenario(t *testing.T) {
	env := newTestEnv(t)
	m, err := model.FromYAML([]byte(`
classes:
  - name: Device
    abstract: true
  - name: Tank
    base: Device
    properties:
      - {name: Volume, type: Double, unit: m3, historized: false}
`))
	if err != nil {
		t.Fatal(err)
	}
	first := reconcile(t, env.Store, m)
	want := []struct {
		kind        session.Kind
		owner, name string
	}{
		{session.KindClass, "", "Device"},
		{session.KindClass, "", "Tank"},
		{session.KindProperty, "Tank", "Volume"},
	}
	for _, w := range want {
		e, ok := first.Find(w.kind, w.owner, w.name)
		if !ok || e.Status != engine.StatusCreated {
			t.Fatalf("first run %s %s: %+v", w.kind, w.name, e)
		}
	}
	second := reconcile(t, env.Store, m)
	for _, w := range want {
		e, ok := second.Find(w.kind, w.owner, w.name)
		if !ok || e.Status != engine.StatusUpdated || len(e.Changes) != 0 {
			t.Fatalf("second run %s %s: %+v", w.kind, w.name, e)
		}
	}
	if len(second.Entries) != 3 {
		t.Fatalf("unexpected entries %+v", second.Entries)
	}
}

func TestReferenceTargetOverridesCallerType(t *testing.T) {
	env := newTestEnv(t)
	classes := engine.ClassReconciler{Session: env.Store}
	if _, _, err := classes.Upsert(env.Ctx, "Tank", false, nil); err != nil {
		t.Fatal(err)
	}
	pump, _, err := classes.Upsert(env.Ctx, "Pump", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	props := engine.PropertyReconciler{Session: env.Store}
	h, _, err := props.Upsert(env.Ctx, engine.PropertySpec{
		DisplayName:     "Source tank",
		Class:           pump,
		DataType:        domain.TypeString,
		Historized:      true,
		ReferenceTarget: "Class:Tank.Path_X",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := env.Store.Get(env.Ctx, session.KindProperty, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StringField(session.FieldType) != string(domain.TypeGUID) || got.BoolField(session.FieldHistorized) {
		t.Fatalf("stored %v", got.Fields)
	}
}

func TestReferenceToMissingClassFailsOnlyThatProperty(t *testing.T) {
	env := newTestEnv(t)
	m, err := model.FromYAML([]byte(`
classes:
  - name: Pump
    properties:
      - {name: Ghost link, reference_target: Class:Ghost.Variable}
      - {name: Nominal power, type: Double, unit: W}
`))
	if err != nil {
		t.Fatal(err)
	}
	rep := reconcile(t, env.Store, m)
	e, _ := rep.Find(session.KindProperty, "Pump", "Ghost link")
	if e.Status != engine.StatusFailed {
		t.Fatalf("Ghost link: %+v", e)
	}
	e, _ = rep.Find(session.KindProperty, "Pump", "Nominal power")
	if e.Status != engine.StatusCreated {
		t.Fatalf("Nominal power: %+v", e)
	}
	if !rep.Failed() {
		t.Fatalf("report should be failed")
	}
}

func TestLegacyLookupSurfacesAmbiguity(t *testing.T) {
	env := newTestEnv(t)
	classes := engine.ClassReconciler{Session: env.Store}
	tank, _, _ := classes.Upsert(env.Ctx, "Tank", false, nil)
	pump, _, _ := classes.Upsert(env.Ctx, "Pump", false, nil)
	scoped := engine.PropertyReconciler{Session: env.Store}
	for _, c := range []engine.ClassHandle{tank, pump} {
		if _, _, err := scoped.Upsert(env.Ctx, engine.PropertySpec{DisplayName: "Level", Class: c, DataType: domain.TypeDouble}); err != nil {
			t.Fatal(err)
		}
	}
	legacy := engine.PropertyReconciler{Session: env.Store, LegacyLookup: true}
	_, _, err := legacy.Upsert(env.Ctx, engine.PropertySpec{DisplayName: "Level", Class: tank, DataType: domain.TypeDouble})
	var amb *domain.LookupAmbiguityError
	if !errors.As(err, &amb) || amb.Matches != 2 {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
	// a unique name still upserts in legacy mode
	if _, out, err := legacy.Upsert(env.Ctx, engine.PropertySpec{DisplayName: "Volume", Class: tank, DataType: domain.TypeDouble}); err != nil || !out.Created {
		t.Fatalf("legacy create: %+v %v", out, err)
	}
}

func TestFailedBaseSkipsSubtree(t *testing.T) {
	env := newTestEnv(t)
	rec := &recorder{Session: env.Store, failOn: func(h *session.Handle) error {
		if h.Fields()[session.FieldName] == "Mechanical device" {
			return domain.Rejected("simulated")
		}
		return nil
	}}
	rep := reconcile(t, rec, model.Default())
	check := func(kind session.Kind, owner, name string, want engine.Status) {
		t.Helper()
		e, ok := rep.Find(kind, owner, name)
		if !ok || e.Status != want {
			t.Fatalf("%s %s/%s = %+v, want %s", kind, owner, name, e, want)
		}
	}
	check(session.KindClass, "", "Mechanical device", engine.StatusFailed)
	check(session.KindClass, "", "Tank", engine.StatusSkipped)
	check(session.KindClass, "", "Pipe", engine.StatusSkipped)
	check(session.KindProperty, "Tank", "Volume", engine.StatusSkipped)
	check(session.KindInstance, "Tank", "Example site.Water transfer system.Tank area.Source tank", engine.StatusSkipped)
	check(session.KindClass, "", "Electrical device", engine.StatusCreated)
	check(session.KindClass, "", "Pump", engine.StatusCreated)
	check(session.KindProperty, "Pump", "Nominal power", engine.StatusCreated)
	// the pump exists but its values reference tanks that were never created
	check(session.KindInstance, "Pump", "Example site.Water transfer system.Pump section.Pump", engine.StatusSkipped)
	if !rep.Failed() {
		t.Fatalf("report should be failed")
	}
}

func TestUnknownPropertyFailsWholeUpdate(t *testing.T) {
	env := newTestEnv(t)
	reconcile(t, env.Store, model.Default())
	tankClass, _ := env.Store.FindByKey(env.Ctx, session.KindClass, session.Key{Name: "Tank"})
	instances := engine.InstanceReconciler{Session: env.Store}
	tank, out, err := instances.GetOrCreate(env.Ctx, "Example site.Water transfer system.Tank area.Source tank", engine.ClassHandle{ID: tankClass.ID(), Name: "Tank"})
	if err != nil || out.Created {
		t.Fatalf("get existing tank: %+v %v", out, err)
	}
	_, err = instances.SetProperties(env.Ctx, tank, map[string]engine.Value{
		"Volume": {Scalar: 5.0},
		"Colour": {Scalar: "red"},
	})
	if !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	var ce *domain.CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommitError in chain, got %T", err)
	}
	got, _ := env.Store.Get(env.Ctx, session.KindInstance, tank.ID)
	if got.Values["Volume"] != float64(1000) {
		t.Fatalf("Volume changed to %#v", got.Values["Volume"])
	}
}

func TestConnectionErrorAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	commits := 0
	rec := &recorder{Session: env.Store, failOn: func(h *session.Handle) error {
		commits++
		if commits > 3 {
			return &domain.ConnectionError{Endpoint: "test", Err: errors.New("connection reset")}
		}
		return nil
	}}
	rep, err := engine.NewOrchestrator(rec, false, zerolog.Nop()).Reconcile(env.Ctx, model.Default())
	if !domain.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if rep == nil || rep.Count(engine.StatusCreated) != 3 || rep.Count(engine.StatusFailed) != 1 {
		t.Fatalf("unexpected report %s", rep.Summary())
	}
	if rep.Count(engine.StatusSkipped) != len(rep.Entries)-4 {
		t.Fatalf("remaining objects should be skipped: %s", rep.Summary())
	}
	if len(rec.commits) != 3 {
		t.Fatalf("commits after abort: %v", rec.commits)
	}
}

func TestTypeChangeKeepsInstanceReachable(t *testing.T) {
	env := newTestEnv(t)
	doc := func(typ, value string) *model.Model {
		m, err := model.FromYAML([]byte(`
classes:
  - name: Tank
    properties:
      - {name: Volume, type: ` + typ + `}
instances:
  - name: T1
    class: Tank
    values:
      Volume: ` + value + `
`))
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
	if rep := reconcile(t, env.Store, doc("Double", "1000.5")); rep.Failed() {
		t.Fatalf("first run: %+v", rep.Entries)
	}
	for run := 2; run <= 3; run++ {
		rep := reconcile(t, env.Store, doc("String", `"big"`))
		if rep.Failed() {
			t.Fatalf("run %d: %+v", run, rep.Entries)
		}
		e, ok := rep.Find(session.KindInstance, "Tank", "T1")
		if !ok || e.Status != engine.StatusUpdated {
			t.Fatalf("run %d instance entry: %+v", run, e)
		}
	}
	tank, _ := env.Store.FindByKey(env.Ctx, session.KindClass, session.Key{Name: "Tank"})
	t1, err := env.Store.FindByKey(env.Ctx, session.KindInstance, session.Key{Owner: tank.ID(), Name: "T1"})
	if err != nil || !t1.Found {
		t.Fatalf("find T1: %v %+v", err, t1)
	}
	if got := t1.Ref.Values["Volume"]; got != "big" {
		t.Fatalf("Volume = %#v, want big", got)
	}
}
