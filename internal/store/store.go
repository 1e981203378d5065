// Package store is the SQLite object store behind local workspaces and the
// HTTP server. It implements session.Session.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"modelsync/internal/domain"
	"modelsync/internal/events"
	"modelsync/internal/repo"
	"modelsync/internal/session"
)

type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	// Actor is recorded on change events when the context carries none.
	Actor string
	NewID func() string
}

var _ session.Session = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
		Actor:  "local",
		NewID:  uuid.NewString,
	}
}

func (s *Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *Store) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

type actorKey struct{}

// WithActor attributes commits made with ctx to actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func (s *Store) actor(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	if s.Actor != "" {
		return s.Actor
	}
	return "local"
}

func (s *Store) FindByKey(ctx context.Context, kind session.Kind, key session.Key) (session.Lookup, error) {
	var (
		id  string
		err error
	)
	switch kind {
	case session.KindClass:
		var c domain.Class
		c, err = s.Repo.ClassByName(ctx, nil, key.Name)
		id = c.ID
	case session.KindProperty:
		var p domain.PropertyDef
		p, err = s.Repo.PropertyByKey(ctx, nil, key.Owner, key.Name)
		id = p.ID
	case session.KindInstance:
		var in domain.Instance
		in, err = s.Repo.InstanceByKey(ctx, nil, key.Owner, key.Name)
		id = in.ID
	default:
		return session.Lookup{}, unknownKind(kind)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return session.NotFound(), nil
	}
	if err != nil {
		return session.Lookup{}, err
	}
	ref, err := s.load(ctx, nil, kind, id)
	if err != nil {
		return session.Lookup{}, err
	}
	return session.Found(ref), nil
}

func (s *Store) BeginCreate(ctx context.Context, kind session.Kind) (*session.Handle, error) {
	if !kind.Valid() {
		return nil, unknownKind(kind)
	}
	return session.NewCreateHandle(kind), nil
}

func (s *Store) BeginUpdate(ctx context.Context, ref session.Ref) (*session.Handle, error) {
	if _, err := s.Get(ctx, ref.Kind, ref.ID); err != nil {
		return nil, err
	}
	return session.NewUpdateHandle(ref), nil
}

func (s *Store) Discard(h *session.Handle) {
	if h != nil {
		_ = h.Release()
	}
}

func (s *Store) Get(ctx context.Context, kind session.Kind, id string) (session.Ref, error) {
	if !kind.Valid() {
		return session.Ref{}, unknownKind(kind)
	}
	return s.load(ctx, nil, kind, id)
}

// Query returns objects whose fields equal every predicate entry.
func (s *Store) Query(ctx context.Context, kind session.Kind, pred session.Predicate) ([]session.Ref, error) {
	where, err := predicateWhere(kind, pred)
	if err != nil {
		return nil, err
	}
	var ids []string
	switch kind {
	case session.KindClass:
		items, err := s.Repo.ListClasses(ctx, nil, where)
		if err != nil {
			return nil, err
		}
		for _, c := range items {
			ids = append(ids, c.ID)
		}
	case session.KindProperty:
		items, err := s.Repo.ListProperties(ctx, nil, where)
		if err != nil {
			return nil, err
		}
		for _, p := range items {
			ids = append(ids, p.ID)
		}
	case session.KindInstance:
		items, err := s.Repo.ListInstances(ctx, nil, where)
		if err != nil {
			return nil, err
		}
		for _, in := range items {
			ids = append(ids, in.ID)
		}
	}
	res := make([]session.Ref, 0, len(ids))
	for _, id := range ids {
		ref, err := s.load(ctx, nil, kind, id)
		if err != nil {
			return nil, err
		}
		res = append(res, ref)
	}
	return res, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) load(ctx context.Context, tx *sql.Tx, kind session.Kind, id string) (session.Ref, error) {
	switch kind {
	case session.KindClass:
		c, err := s.Repo.GetClass(ctx, tx, id)
		if err != nil {
			return session.Ref{}, err
		}
		return classRef(c), nil
	case session.KindProperty:
		p, err := s.Repo.GetProperty(ctx, tx, id)
		if err != nil {
			return session.Ref{}, err
		}
		return propertyRef(p), nil
	case session.KindInstance:
		in, err := s.instance(ctx, tx, id)
		if err != nil {
			return session.Ref{}, err
		}
		return instanceRef(in), nil
	}
	return session.Ref{}, unknownKind(kind)
}

// instance loads an instance with its values decoded and keyed by display name.
func (s *Store) instance(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, error) {
	in, err := s.Repo.GetInstance(ctx, tx, id)
	if err != nil {
		return in, err
	}
	raw, err := s.Repo.InstanceValues(ctx, tx, id)
	if err != nil {
		return in, err
	}
	in.Values = map[string]any{}
	for propertyID, data := range raw {
		p, err := s.Repo.GetProperty(ctx, tx, propertyID)
		if err != nil {
			return in, err
		}
		v, err := decodeLenient(p.DataType, data)
		if err != nil {
			return in, fmt.Errorf("instance %s property %q: %w", id, p.DisplayName, err)
		}
		in.Values[p.DisplayName] = v
	}
	return in, nil
}

func classRef(c domain.Class) session.Ref {
	var base any
	if c.BaseID != nil {
		base = *c.BaseID
	}
	return session.Ref{Kind: session.KindClass, ID: c.ID, Fields: map[string]any{
		session.FieldName:     c.Name,
		session.FieldBase:     base,
		session.FieldAbstract: c.Abstract,
	}}
}

func propertyRef(p domain.PropertyDef) session.Ref {
	return session.Ref{Kind: session.KindProperty, ID: p.ID, Fields: map[string]any{
		session.FieldDisplayName:     p.DisplayName,
		session.FieldClass:           p.ClassID,
		session.FieldType:            string(p.DataType),
		session.FieldUnit:            p.Unit,
		session.FieldDescription:     p.Description,
		session.FieldHistorized:      p.Historized,
		session.FieldReferenceTarget: p.ReferenceTarget,
	}}
}

func instanceRef(in domain.Instance) session.Ref {
	return session.Ref{Kind: session.KindInstance, ID: in.ID, Fields: map[string]any{
		session.FieldName:  in.Name,
		session.FieldClass: in.ClassID,
	}, Values: in.Values}
}

var columns = map[session.Kind]map[string]string{
	session.KindClass: {
		session.FieldName:     "name",
		session.FieldBase:     "base_id",
		session.FieldAbstract: "abstract",
	},
	session.KindProperty: {
		session.FieldDisplayName:     "display_name",
		session.FieldClass:           "class_id",
		session.FieldType:            "data_type",
		session.FieldUnit:            "unit",
		session.FieldDescription:     "description",
		session.FieldHistorized:      "historized",
		session.FieldReferenceTarget: "reference_target",
	},
	session.KindInstance: {
		session.FieldName:  "name",
		session.FieldClass: "class_id",
	},
}

func predicateWhere(kind session.Kind, pred session.Predicate) (repo.Where, error) {
	cols, ok := columns[kind]
	if !ok {
		return nil, unknownKind(kind)
	}
	where := repo.Where{}
	for _, field := range pred.Keys() {
		col, ok := cols[field]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no field %q", domain.ErrInvalid, kind, field)
		}
		switch v := pred[field].(type) {
		case bool:
			where[col] = boolInt(v)
		case string:
			// optional text columns store "" as NULL
			if v == "" && col != "name" && col != "display_name" {
				where[col] = nil
			} else {
				where[col] = v
			}
		case nil:
			where[col] = nil
		default:
			return nil, fmt.Errorf("%w: field %q: unsupported predicate value %T", domain.ErrInvalid, field, v)
		}
	}
	return where, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unknownKind(kind session.Kind) error {
	return fmt.Errorf("%w: unknown object kind %q", domain.ErrInvalid, kind)
}
