package engine

import (
	"context"

	"modelsync/internal/domain"
	"modelsync/internal/session"
)

// ClassReconciler upserts class definitions keyed by name.
type ClassReconciler struct {
	Session session.Session
}

// Upsert writes name, base and abstract unconditionally. base must already be
// committed; the reconciler does not order or validate the hierarchy itself.
func (r ClassReconciler) Upsert(ctx context.Context, name string, abstract bool, base *ClassHandle) (ClassHandle, Outcome, error) {
	fail := func(err error) (ClassHandle, Outcome, error) {
		return ClassHandle{}, Outcome{}, &domain.ReconcileError{Stage: "class", Name: name, Err: err}
	}
	l, err := r.Session.FindByKey(ctx, session.KindClass, session.Key{Name: name})
	if err != nil {
		return fail(err)
	}
	res, err := upsert(ctx, r.Session, session.KindClass, name, l, func(h *session.Handle) {
		var baseID any
		if base != nil {
			baseID = base.ID
		}
		h.SetField(session.FieldName, name)
		h.SetField(session.FieldBase, baseID)
		h.SetField(session.FieldAbstract, abstract)
	})
	if err != nil {
		return fail(err)
	}
	return ClassHandle{ID: res.Ref.ID, Name: name}, outcome(res), nil
}
