package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"modelsync/internal/domain"
	"modelsync/internal/model"
	"modelsync/internal/session"
)

// Orchestrator runs the reconcilers in dependency order: classes base first,
// then properties, then instance creation, then instance values.
type Orchestrator struct {
	Classes    ClassReconciler
	Properties PropertyReconciler
	Instances  InstanceReconciler
	Log        zerolog.Logger
}

func NewOrchestrator(sess session.Session, legacyLookup bool, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Classes:    ClassReconciler{Session: sess},
		Properties: PropertyReconciler{Session: sess, LegacyLookup: legacyLookup},
		Instances:  InstanceReconciler{Session: sess},
		Log:        log,
	}
}

// run carries the state of a single Reconcile call.
type run struct {
	o      *Orchestrator
	report *Report
	// fatal is set by the first connection error; everything after it is skipped.
	fatal error

	classes    map[string]ClassHandle
	properties map[string]map[string]bool // class -> display name -> committed
	instances  map[int]InstanceHandle
	entries    map[int]int // instance index -> report entry index
}

// Reconcile converges the session's store to m. Per-object failures are
// recorded in the report; the returned error is non-nil only for an invalid
// model or a lost connection.
func (o *Orchestrator) Reconcile(ctx context.Context, m *model.Model) (*Report, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	order, err := m.ClassOrder()
	if err != nil {
		return nil, err
	}
	r := &run{
		o:          o,
		report:     &Report{},
		classes:    map[string]ClassHandle{},
		properties: map[string]map[string]bool{},
		instances:  map[int]InstanceHandle{},
		entries:    map[int]int{},
	}
	for _, c := range order {
		r.class(ctx, c)
	}
	for _, c := range order {
		r.properties[c.Name] = map[string]bool{}
		for _, p := range c.Properties {
			r.property(ctx, c, p)
		}
	}
	for i, in := range m.Instances {
		r.instance(ctx, i, in)
	}
	for i, in := range m.Instances {
		r.values(ctx, m, i, in)
	}
	o.Log.Info().Str("summary", r.report.Summary()).Msg("reconcile finished")
	return r.report, r.fatal
}

func (r *run) class(ctx context.Context, c model.ClassSpec) {
	if r.skipped(session.KindClass, "", c.Name) {
		return
	}
	var base *ClassHandle
	if c.Base != "" {
		h, ok := r.classes[c.Base]
		if !ok {
			r.skip(session.KindClass, "", c.Name, fmt.Sprintf("base class %q was not reconciled", c.Base))
			return
		}
		base = &h
	}
	h, out, err := r.o.Classes.Upsert(ctx, c.Name, c.Abstract, base)
	if err != nil {
		r.fail(session.KindClass, "", c.Name, err)
		return
	}
	r.classes[c.Name] = h
	r.done(session.KindClass, "", c.Name, out)
}

func (r *run) property(ctx context.Context, c model.ClassSpec, p model.PropertySpec) {
	if r.skipped(session.KindProperty, c.Name, p.Name) {
		return
	}
	owner, ok := r.classes[c.Name]
	if !ok {
		r.skip(session.KindProperty, c.Name, p.Name, fmt.Sprintf("class %q was not reconciled", c.Name))
		return
	}
	_, out, err := r.o.Properties.Upsert(ctx, PropertySpec{
		DisplayName:     p.Name,
		Class:           owner,
		DataType:        p.Type,
		Unit:            p.Unit,
		Description:     p.Description,
		Historized:      p.Historized,
		ReferenceTarget: p.ReferenceTarget,
	})
	if err != nil {
		r.fail(session.KindProperty, c.Name, p.Name, err)
		return
	}
	r.properties[c.Name][p.Name] = true
	r.done(session.KindProperty, c.Name, p.Name, out)
}

func (r *run) instance(ctx context.Context, i int, in model.InstanceSpec) {
	if r.skipped(session.KindInstance, in.Class, in.Name) {
		r.entries[i] = len(r.report.Entries) - 1
		return
	}
	class, ok := r.classes[in.Class]
	if !ok {
		r.entries[i] = r.skip(session.KindInstance, in.Class, in.Name, fmt.Sprintf("class %q was not reconciled", in.Class))
		return
	}
	h, out, err := r.o.Instances.GetOrCreate(ctx, in.Name, class)
	if err != nil {
		r.entries[i] = r.fail(session.KindInstance, in.Class, in.Name, err)
		return
	}
	r.instances[i] = h
	r.entries[i] = r.done(session.KindInstance, in.Class, in.Name, out)
}

func (r *run) values(ctx context.Context, m *model.Model, i int, in model.InstanceSpec) {
	h, ok := r.instances[i]
	if !ok || len(in.Values) == 0 {
		return
	}
	idx := r.entries[i]
	entry := &r.report.Entries[idx]
	if r.fatal != nil {
		r.markSkipped(entry, "aborted: "+r.fatal.Error())
		return
	}
	visible := m.VisibleProperties(in.Class)
	values := make(map[string]Value, len(in.Values))
	names := make([]string, 0, len(in.Values))
	for name := range in.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		owner := visible[name]
		if !r.properties[owner][name] {
			r.markSkipped(entry, fmt.Sprintf("property %q was not reconciled", name))
			return
		}
		v := in.Values[name]
		if v.Ref == nil {
			values[name] = Value{Scalar: v.Scalar}
			continue
		}
		target, err := m.Lookup(*v.Ref)
		if err != nil {
			r.markFailed(entry, err)
			return
		}
		ti := indexOf(m.Instances, target)
		th, ok := r.instances[ti]
		if !ok {
			r.markSkipped(entry, fmt.Sprintf("referenced instance %q was not reconciled", target.Name))
			return
		}
		values[name] = Value{Instance: &th}
	}
	out, err := r.o.Instances.SetProperties(ctx, h, values)
	if err != nil {
		if domain.IsConnection(err) {
			r.fatal = err
		}
		r.markFailed(entry, err)
		return
	}
	entry.Changes = append(entry.Changes, out.Changed...)
	r.log(*entry, nil)
}

func indexOf(instances []model.InstanceSpec, target model.InstanceSpec) int {
	for i, in := range instances {
		if in.Name == target.Name && in.Class == target.Class {
			return i
		}
	}
	return -1
}

// skipped records a skip entry when the run was aborted.
func (r *run) skipped(kind session.Kind, owner, name string) bool {
	if r.fatal == nil {
		return false
	}
	r.skip(kind, owner, name, "aborted: "+r.fatal.Error())
	return true
}

func (r *run) done(kind session.Kind, owner, name string, out Outcome) int {
	status := StatusUpdated
	if out.Created {
		status = StatusCreated
	}
	return r.add(Entry{Kind: kind, Owner: owner, Name: name, Status: status, Changes: out.Changed}, nil)
}

func (r *run) fail(kind session.Kind, owner, name string, err error) int {
	if domain.IsConnection(err) && r.fatal == nil {
		r.fatal = err
	}
	return r.add(Entry{Kind: kind, Owner: owner, Name: name, Status: StatusFailed, Reason: reason(err)}, err)
}

func (r *run) skip(kind session.Kind, owner, name, why string) int {
	return r.add(Entry{Kind: kind, Owner: owner, Name: name, Status: StatusSkipped, Reason: why}, nil)
}

func (r *run) markFailed(e *Entry, err error) {
	e.Status = StatusFailed
	e.Reason = reason(err)
	r.log(*e, err)
}

func (r *run) markSkipped(e *Entry, why string) {
	e.Status = StatusSkipped
	e.Reason = why
	r.log(*e, nil)
}

func (r *run) add(e Entry, err error) int {
	r.report.Entries = append(r.report.Entries, e)
	r.log(e, err)
	return len(r.report.Entries) - 1
}

func (r *run) log(e Entry, err error) {
	event := r.o.Log.Info()
	switch e.Status {
	case StatusFailed:
		event = r.o.Log.Error().Err(err)
	case StatusSkipped:
		event = r.o.Log.Warn().Str("reason", e.Reason)
	}
	event.
		Str("kind", string(e.Kind)).
		Str("owner", e.Owner).
		Str("name", e.Name).
		Str("status", string(e.Status)).
		Strs("changes", e.Changes).
		Msg("reconciled")
}

// reason drops the stage wrapper, which the entry already conveys.
func reason(err error) string {
	var re *domain.ReconcileError
	if errors.As(err, &re) && re.Err != nil {
		return re.Err.Error()
	}
	return err.Error()
}
