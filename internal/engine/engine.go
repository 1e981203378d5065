// Package engine converges an object store to a declarative model.
package engine

import (
	"context"
	"errors"

	"modelsync/internal/domain"
	"modelsync/internal/session"
)

// ClassHandle identifies a committed class.
type ClassHandle struct {
	ID   string
	Name string
}

// PropertyHandle identifies a committed property definition.
type PropertyHandle struct {
	ID          string
	DisplayName string
	ClassID     string
	DataType    domain.DataType
	Historized  bool
}

// InstanceHandle identifies a committed instance.
type InstanceHandle struct {
	ID      string
	Name    string
	ClassID string
}

// Outcome is the effect of a single upsert.
type Outcome struct {
	Created bool
	Changed []string
}

func outcome(res session.CommitResult) Outcome {
	return Outcome{Created: res.Created, Changed: res.Changed}
}

// upsert opens a create or update handle depending on l, fills it with set and
// commits it. The handle is released on every path.
func upsert(ctx context.Context, sess session.Session, kind session.Kind, name string, l session.Lookup, set func(h *session.Handle)) (session.CommitResult, error) {
	var (
		h   *session.Handle
		err error
	)
	if l.Found {
		h, err = sess.BeginUpdate(ctx, l.Ref)
	} else {
		h, err = sess.BeginCreate(ctx, kind)
	}
	if err != nil {
		return session.CommitResult{}, err
	}
	defer sess.Discard(h)
	set(h)
	res, err := sess.Commit(ctx, h)
	if err != nil {
		return session.CommitResult{}, commitError(kind, name, err)
	}
	return res, nil
}

func commitError(kind session.Kind, name string, err error) error {
	var ce *domain.ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &domain.CommitError{Kind: string(kind), Name: name, Err: err}
}
