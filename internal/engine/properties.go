package engine

import (
	"context"
	"fmt"

	"modelsync/internal/domain"
	"modelsync/internal/resolve"
	"modelsync/internal/session"
)

// PropertySpec is the desired state of one property definition.
type PropertySpec struct {
	DisplayName     string
	Class           ClassHandle
	DataType        domain.DataType
	Unit            string
	Description     string
	Historized      bool
	ReferenceTarget string
}

// PropertyReconciler upserts property definitions keyed by owning class and
// display name.
type PropertyReconciler struct {
	Session session.Session
	// LegacyLookup finds properties by display name alone. More than one
	// match is reported as a LookupAmbiguityError.
	LegacyLookup bool
}

func (r PropertyReconciler) Upsert(ctx context.Context, spec PropertySpec) (PropertyHandle, Outcome, error) {
	fail := func(err error) (PropertyHandle, Outcome, error) {
		return PropertyHandle{}, Outcome{}, &domain.ReconcileError{Stage: "property", Name: spec.Class.Name + "." + spec.DisplayName, Err: err}
	}
	res := resolve.Resolve(spec.ReferenceTarget)
	dataType, historized := res.Apply(spec.DataType, spec.Historized)
	if err := r.checkTarget(ctx, spec.ReferenceTarget, res); err != nil {
		return fail(err)
	}
	l, err := r.lookup(ctx, spec)
	if err != nil {
		return fail(err)
	}
	committed, err := upsert(ctx, r.Session, session.KindProperty, spec.DisplayName, l, func(h *session.Handle) {
		h.SetField(session.FieldDisplayName, spec.DisplayName)
		h.SetField(session.FieldClass, spec.Class.ID)
		h.SetField(session.FieldType, string(dataType))
		h.SetField(session.FieldUnit, spec.Unit)
		h.SetField(session.FieldDescription, spec.Description)
		h.SetField(session.FieldHistorized, historized)
		h.SetField(session.FieldReferenceTarget, spec.ReferenceTarget)
	})
	if err != nil {
		return fail(err)
	}
	return PropertyHandle{
		ID:          committed.Ref.ID,
		DisplayName: spec.DisplayName,
		ClassID:     spec.Class.ID,
		DataType:    dataType,
		Historized:  historized,
	}, outcome(committed), nil
}

func (r PropertyReconciler) lookup(ctx context.Context, spec PropertySpec) (session.Lookup, error) {
	if !r.LegacyLookup {
		return r.Session.FindByKey(ctx, session.KindProperty, session.Key{Owner: spec.Class.ID, Name: spec.DisplayName})
	}
	refs, err := r.Session.Query(ctx, session.KindProperty, session.Predicate{session.FieldDisplayName: spec.DisplayName})
	if err != nil {
		return session.Lookup{}, err
	}
	switch len(refs) {
	case 0:
		return session.NotFound(), nil
	case 1:
		return session.Found(refs[0]), nil
	}
	return session.Lookup{}, &domain.LookupAmbiguityError{Kind: string(session.KindProperty), Key: spec.DisplayName, Matches: len(refs)}
}

// checkTarget fails when a reference target names a class that is not in the
// store or an empty enumeration.
func (r PropertyReconciler) checkTarget(ctx context.Context, target string, res resolve.Resolution) error {
	switch {
	case res.Kind == domain.ReferenceEnumeration:
		if res.Enumeration == "" {
			return &domain.ReferenceResolutionError{Target: target, Reason: "empty enumeration id"}
		}
	case res.Kind == domain.ReferenceClass || res.Kind == domain.ReferencePath || res.Class != "":
		if res.Class == "" {
			return &domain.ReferenceResolutionError{Target: target, Reason: "empty class name"}
		}
		l, err := r.Session.FindByKey(ctx, session.KindClass, session.Key{Name: res.Class})
		if err != nil {
			return err
		}
		if !l.Found {
			return &domain.ReferenceResolutionError{Target: target, Reason: fmt.Sprintf("class %q does not exist", res.Class)}
		}
	}
	return nil
}
