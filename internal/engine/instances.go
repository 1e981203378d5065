package engine

import (
	"context"

	"modelsync/internal/domain"
	"modelsync/internal/session"
)

// Value is a property value to apply. Instance takes precedence over Scalar
// and is written as the referenced instance's id.
type Value struct {
	Instance *InstanceHandle
	Scalar   any
}

// InstanceReconciler creates instances by name and applies their values.
type InstanceReconciler struct {
	Session session.Session
}

// GetOrCreate returns the instance of class named name, creating it when
// absent. An existing instance is not opened for update.
func (r InstanceReconciler) GetOrCreate(ctx context.Context, name string, class ClassHandle) (InstanceHandle, Outcome, error) {
	fail := func(err error) (InstanceHandle, Outcome, error) {
		return InstanceHandle{}, Outcome{}, &domain.ReconcileError{Stage: "instance", Name: name, Err: err}
	}
	l, err := r.Session.FindByKey(ctx, session.KindInstance, session.Key{Owner: class.ID, Name: name})
	if err != nil {
		return fail(err)
	}
	if l.Found {
		return InstanceHandle{ID: l.ID(), Name: name, ClassID: class.ID}, Outcome{}, nil
	}
	res, err := upsert(ctx, r.Session, session.KindInstance, name, l, func(h *session.Handle) {
		h.SetField(session.FieldName, name)
		h.SetField(session.FieldClass, class.ID)
	})
	if err != nil {
		return fail(err)
	}
	return InstanceHandle{ID: res.Ref.ID, Name: name, ClassID: class.ID}, outcome(res), nil
}

// SetProperties applies every value in one commit. Any invalid value fails the
// whole update.
func (r InstanceReconciler) SetProperties(ctx context.Context, inst InstanceHandle, values map[string]Value) (Outcome, error) {
	ref := session.Ref{Kind: session.KindInstance, ID: inst.ID}
	res, err := upsert(ctx, r.Session, session.KindInstance, inst.Name, session.Found(ref), func(h *session.Handle) {
		for name, v := range values {
			if v.Instance != nil {
				h.SetValue(name, v.Instance.ID)
				continue
			}
			h.SetValue(name, v.Scalar)
		}
	})
	if err != nil {
		return Outcome{}, &domain.ReconcileError{Stage: "values", Name: inst.Name, Err: err}
	}
	return outcome(res), nil
}
