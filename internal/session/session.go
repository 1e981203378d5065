// Package session defines the object-store capability the reconcilers consume.
// The local SQLite store and the HTTP client both implement Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Kind names an object collection in the store.
type Kind string

const (
	KindClass    Kind = "class"
	KindProperty Kind = "property"
	KindInstance Kind = "instance"
)

// Kinds lists every object kind.
var Kinds = []Kind{KindClass, KindProperty, KindInstance}

func (k Kind) Valid() bool {
	switch k {
	case KindClass, KindProperty, KindInstance:
		return true
	}
	return false
}

// Field names understood by the store.
const (
	FieldName            = "Name"
	FieldBase            = "Base"
	FieldAbstract        = "Abstract"
	FieldDisplayName     = "DisplayName"
	FieldClass           = "Class"
	FieldType            = "Type"
	FieldUnit            = "Unit"
	FieldDescription     = "Description"
	FieldHistorized      = "Historized"
	FieldReferenceTarget = "ReferenceTarget"
)

// ErrHandleReleased is returned when a handle is used after Commit or Discard.
var ErrHandleReleased = errors.New("handle already released")

// Key identifies an object by name, optionally scoped to an owner id.
// Classes use Name only; properties and instances are scoped to a class id.
type Key struct {
	Owner string `json:"owner,omitempty"`
	Name  string `json:"name"`
}

func (k Key) String() string {
	if k.Owner == "" {
		return k.Name
	}
	return k.Owner + "/" + k.Name
}

// Ref is a read-only snapshot of a stored object.
type Ref struct {
	Kind   Kind           `json:"kind"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
	Values map[string]any `json:"values,omitempty"`
}

// Field returns the named field, or nil.
func (r Ref) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// StringField returns the named field as a string, or "" when unset.
func (r Ref) StringField(name string) string {
	s, _ := r.Field(name).(string)
	return s
}

// BoolField returns the named field as a bool.
func (r Ref) BoolField(name string) bool {
	b, _ := r.Field(name).(bool)
	return b
}

// Lookup is the result of an exact-match find.
type Lookup struct {
	Found bool `json:"found"`
	Ref   Ref  `json:"object"`
}

func NotFound() Lookup      { return Lookup{} }
func Found(ref Ref) Lookup  { return Lookup{Found: true, Ref: ref} }
func (l Lookup) ID() string { return l.Ref.ID }

// Predicate is a conjunction of field equality tests.
type Predicate map[string]any

// Keys returns the predicate's field names in sorted order.
func (p Predicate) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CommitResult describes an applied commit. Changed lists the fields and
// values whose stored representation differs from the previous state.
type CommitResult struct {
	Ref     Ref      `json:"object"`
	Created bool     `json:"created"`
	Changed []string `json:"changed"`
}

// Credentials authenticate a remote session.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Session is an open connection to an object store.
type Session interface {
	// FindByKey returns the object matching key exactly, or NotFound.
	FindByKey(ctx context.Context, kind Kind, key Key) (Lookup, error)
	// BeginCreate opens a handle for a new object.
	BeginCreate(ctx context.Context, kind Kind) (*Handle, error)
	// BeginUpdate opens a handle for an existing object.
	BeginUpdate(ctx context.Context, ref Ref) (*Handle, error)
	// Commit applies every field set on h atomically and releases it.
	Commit(ctx context.Context, h *Handle) (CommitResult, error)
	// Discard releases h without applying it. Discarding a released handle is a no-op.
	Discard(h *Handle)
	// Query returns every object of kind matching pred.
	Query(ctx context.Context, kind Kind, pred Predicate) ([]Ref, error)
	// Get loads an object by id.
	Get(ctx context.Context, kind Kind, id string) (Ref, error)
	Close() error
}

// Handle is a mutable, uncommitted view of one object.
type Handle struct {
	Kind     Kind
	ID       string
	fields   map[string]any
	values   map[string]any
	released bool
}

// NewCreateHandle returns a handle for an object that does not exist yet.
func NewCreateHandle(kind Kind) *Handle {
	return &Handle{Kind: kind, fields: map[string]any{}, values: map[string]any{}}
}

// NewUpdateHandle returns a handle for the object behind ref.
func NewUpdateHandle(ref Ref) *Handle {
	return &Handle{Kind: ref.Kind, ID: ref.ID, fields: map[string]any{}, values: map[string]any{}}
}

// IsNew reports whether the handle creates a new object.
func (h *Handle) IsNew() bool { return h.ID == "" }

// SetField assigns a built-in field.
func (h *Handle) SetField(name string, value any) { h.fields[name] = value }

// SetValue assigns an instance property value by display name.
func (h *Handle) SetValue(property string, value any) { h.values[property] = value }

// Fields returns a copy of the assigned fields.
func (h *Handle) Fields() map[string]any { return cloneMap(h.fields) }

// Values returns a copy of the assigned property values.
func (h *Handle) Values() map[string]any { return cloneMap(h.values) }

// Released reports whether the handle was committed or discarded.
func (h *Handle) Released() bool { return h.released }

// Release marks the handle as used. Store implementations call it from
// Commit and Discard.
func (h *Handle) Release() error {
	if h.released {
		return ErrHandleReleased
	}
	h.released = true
	return nil
}

func (h *Handle) String() string {
	if h.IsNew() {
		return fmt.Sprintf("new %s", h.Kind)
	}
	return fmt.Sprintf("%s %s", h.Kind, h.ID)
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
