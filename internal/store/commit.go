package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"modelsync/internal/domain"
	"modelsync/internal/events"
	"modelsync/internal/repo"
	"modelsync/internal/resolve"
	"modelsync/internal/session"
)

// Commit applies h in a single transaction. The handle is released whether or
// not the commit succeeds.
func (s *Store) Commit(ctx context.Context, h *session.Handle) (session.CommitResult, error) {
	if h == nil {
		return session.CommitResult{}, fmt.Errorf("%w: nil handle", domain.ErrInvalid)
	}
	if err := h.Release(); err != nil {
		return session.CommitResult{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return session.CommitResult{}, err
	}
	defer tx.Rollback()

	var res session.CommitResult
	switch h.Kind {
	case session.KindClass:
		res, err = s.commitClass(ctx, tx, h)
	case session.KindProperty:
		res, err = s.commitProperty(ctx, tx, h)
	case session.KindInstance:
		res, err = s.commitInstance(ctx, tx, h)
	default:
		err = unknownKind(h.Kind)
	}
	if err != nil {
		return session.CommitResult{}, err
	}
	evtType := events.TypeUpdated
	if res.Created {
		evtType = events.TypeCreated
	}
	payload := events.EventPayload{"name": res.Ref.StringField(session.FieldName), "changed": res.Changed}
	if h.Kind == session.KindProperty {
		payload["name"] = res.Ref.StringField(session.FieldDisplayName)
	}
	if err := s.Events.Append(ctx, tx, evtType, string(h.Kind), res.Ref.ID, s.actor(ctx), payload); err != nil {
		return session.CommitResult{}, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return session.CommitResult{}, err
	}
	return res, nil
}

func (s *Store) commitClass(ctx context.Context, tx *sql.Tx, h *session.Handle) (session.CommitResult, error) {
	now := s.now()
	cur := domain.Class{ID: s.newID(), CreatedAt: now}
	before := map[string]any{}
	if !h.IsNew() {
		var err error
		if cur, err = s.Repo.GetClass(ctx, tx, h.ID); err != nil {
			return session.CommitResult{}, err
		}
		before = classRef(cur).Fields
	}
	if len(h.Values()) > 0 {
		return session.CommitResult{}, domain.Rejected("classes carry no property values")
	}
	next := cur
	fields := h.Fields()
	for _, name := range sortedKeys(fields) {
		v := fields[name]
		var err error
		switch name {
		case session.FieldName:
			next.Name, err = stringField(name, v)
		case session.FieldBase:
			var base string
			if base, err = stringField(name, v); err == nil {
				next.BaseID = nil
				if base != "" {
					next.BaseID = &base
				}
			}
		case session.FieldAbstract:
			next.Abstract, err = boolField(name, v)
		default:
			err = domain.Rejected("class has no field %q", name)
		}
		if err != nil {
			return session.CommitResult{}, err
		}
	}
	if next.Name == "" {
		return session.CommitResult{}, domain.Rejected("class name is required")
	}
	if other, err := s.Repo.ClassByName(ctx, tx, next.Name); err == nil && other.ID != next.ID {
		return session.CommitResult{}, domain.Rejected("class %q already exists", next.Name)
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return session.CommitResult{}, err
	}
	if next.BaseID != nil {
		chain, err := s.Repo.ClassChain(ctx, tx, *next.BaseID)
		if errors.Is(err, repo.ErrNotFound) {
			return session.CommitResult{}, domain.Rejected("base class %s does not exist", *next.BaseID)
		}
		if err != nil {
			return session.CommitResult{}, err
		}
		for _, c := range chain {
			if c.ID == next.ID {
				return session.CommitResult{}, domain.Rejected("class %q cannot derive from itself", next.Name)
			}
		}
	}
	if next.Abstract && !cur.Abstract && !h.IsNew() {
		n, err := s.Repo.CountInstances(ctx, tx, next.ID)
		if err != nil {
			return session.CommitResult{}, err
		}
		if n > 0 {
			return session.CommitResult{}, domain.Rejected("class %q has %d instances and cannot become abstract", next.Name, n)
		}
	}
	next.UpdatedAt = now
	var err error
	if h.IsNew() {
		err = s.Repo.InsertClass(ctx, tx, next)
	} else {
		err = s.Repo.UpdateClass(ctx, tx, next)
	}
	if err != nil {
		return session.CommitResult{}, err
	}
	ref := classRef(next)
	return session.CommitResult{Ref: ref, Created: h.IsNew(), Changed: changed(before, ref.Fields)}, nil
}

func (s *Store) commitProperty(ctx context.Context, tx *sql.Tx, h *session.Handle) (session.CommitResult, error) {
	now := s.now()
	cur := domain.PropertyDef{ID: s.newID(), CreatedAt: now}
	before := map[string]any{}
	if !h.IsNew() {
		var err error
		if cur, err = s.Repo.GetProperty(ctx, tx, h.ID); err != nil {
			return session.CommitResult{}, err
		}
		before = propertyRef(cur).Fields
	}
	if len(h.Values()) > 0 {
		return session.CommitResult{}, domain.Rejected("properties carry no values")
	}
	next := cur
	fields := h.Fields()
	for _, name := range sortedKeys(fields) {
		v := fields[name]
		var err error
		switch name {
		case session.FieldDisplayName:
			next.DisplayName, err = stringField(name, v)
		case session.FieldClass:
			next.ClassID, err = stringField(name, v)
		case session.FieldType:
			var dt string
			dt, err = stringField(name, v)
			next.DataType = domain.DataType(dt)
		case session.FieldUnit:
			next.Unit, err = stringField(name, v)
		case session.FieldDescription:
			next.Description, err = stringField(name, v)
		case session.FieldHistorized:
			next.Historized, err = boolField(name, v)
		case session.FieldReferenceTarget:
			next.ReferenceTarget, err = stringField(name, v)
		default:
			err = domain.Rejected("property has no field %q", name)
		}
		if err != nil {
			return session.CommitResult{}, err
		}
	}
	if next.DisplayName == "" {
		return session.CommitResult{}, domain.Rejected("property display name is required")
	}
	if !next.DataType.Valid() {
		return session.CommitResult{}, domain.Rejected("property %q: unknown data type %q", next.DisplayName, next.DataType)
	}
	if next.ClassID == "" {
		return session.CommitResult{}, domain.Rejected("property %q: owning class is required", next.DisplayName)
	}
	if _, err := s.Repo.GetClass(ctx, tx, next.ClassID); errors.Is(err, repo.ErrNotFound) {
		return session.CommitResult{}, domain.Rejected("property %q: class %s does not exist", next.DisplayName, next.ClassID)
	} else if err != nil {
		return session.CommitResult{}, err
	}
	if other, err := s.Repo.PropertyByKey(ctx, tx, next.ClassID, next.DisplayName); err == nil && other.ID != next.ID {
		return session.CommitResult{}, domain.Rejected("class %s already declares property %q", next.ClassID, next.DisplayName)
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return session.CommitResult{}, err
	}
	if r := resolve.Resolve(next.ReferenceTarget); r.Override && (next.DataType != r.DataType || next.Historized != r.Historized) {
		return session.CommitResult{}, domain.Rejected("property %q: reference target %q requires type %s and historized=%v",
			next.DisplayName, next.ReferenceTarget, r.DataType, r.Historized)
	}
	next.UpdatedAt = now
	var err error
	if h.IsNew() {
		err = s.Repo.InsertProperty(ctx, tx, next)
	} else {
		err = s.Repo.UpdateProperty(ctx, tx, next)
	}
	if err != nil {
		return session.CommitResult{}, err
	}
	if !h.IsNew() && (next.DataType != cur.DataType || next.ReferenceTarget != cur.ReferenceTarget) {
		if err := s.recodeValues(ctx, tx, next); err != nil {
			return session.CommitResult{}, err
		}
	}
	ref := propertyRef(next)
	return session.CommitResult{Ref: ref, Created: h.IsNew(), Changed: changed(before, ref.Fields)}, nil
}

func (s *Store) commitInstance(ctx context.Context, tx *sql.Tx, h *session.Handle) (session.CommitResult, error) {
	now := s.now()
	cur := domain.Instance{ID: s.newID(), CreatedAt: now}
	before := map[string]any{}
	if !h.IsNew() {
		var err error
		if cur, err = s.Repo.GetInstance(ctx, tx, h.ID); err != nil {
			return session.CommitResult{}, err
		}
		before = instanceRef(cur).Fields
	}
	next := cur
	fields := h.Fields()
	for _, name := range sortedKeys(fields) {
		v := fields[name]
		var err error
		switch name {
		case session.FieldName:
			next.Name, err = stringField(name, v)
		case session.FieldClass:
			next.ClassID, err = stringField(name, v)
		default:
			err = domain.Rejected("instance has no field %q", name)
		}
		if err != nil {
			return session.CommitResult{}, err
		}
	}
	if next.Name == "" {
		return session.CommitResult{}, domain.Rejected("instance name is required")
	}
	if !h.IsNew() && next.ClassID != cur.ClassID {
		return session.CommitResult{}, domain.Rejected("instance %q cannot change class", next.Name)
	}
	class, err := s.Repo.GetClass(ctx, tx, next.ClassID)
	if errors.Is(err, repo.ErrNotFound) {
		return session.CommitResult{}, domain.Rejected("instance %q: class %q does not exist", next.Name, next.ClassID)
	}
	if err != nil {
		return session.CommitResult{}, err
	}
	if class.Abstract {
		return session.CommitResult{}, domain.Rejected("instance %q: class %q is abstract", next.Name, class.Name)
	}
	if other, err := s.Repo.InstanceByKey(ctx, tx, next.ClassID, next.Name); err == nil && other.ID != next.ID {
		return session.CommitResult{}, domain.Rejected("instance %q of class %q already exists", next.Name, class.Name)
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return session.CommitResult{}, err
	}

	next.UpdatedAt = now
	if h.IsNew() {
		err = s.Repo.InsertInstance(ctx, tx, next)
	} else {
		err = s.Repo.UpdateInstance(ctx, tx, next)
	}
	if err != nil {
		return session.CommitResult{}, err
	}
	ref := instanceRef(next)
	diff := changed(before, ref.Fields)

	values := h.Values()
	if len(values) > 0 {
		props, err := s.visibleProperties(ctx, tx, class.ID)
		if err != nil {
			return session.CommitResult{}, err
		}
		stored, err := s.Repo.InstanceValues(ctx, tx, next.ID)
		if err != nil {
			return session.CommitResult{}, err
		}
		for _, name := range sortedKeys(values) {
			prop, ok := props[name]
			if !ok {
				return session.CommitResult{}, domain.Rejected("instance %q: class %q has no property %q", next.Name, class.Name, name)
			}
			prev, had := stored[prop.ID]
			if values[name] == nil {
				if had {
					if err := s.Repo.DeleteValue(ctx, tx, next.ID, prop.ID); err != nil {
						return session.CommitResult{}, err
					}
					diff = append(diff, name)
				}
				continue
			}
			v, err := coerce(prop.DataType, values[name])
			if err != nil {
				return session.CommitResult{}, domain.Rejected("instance %q property %q: %v", next.Name, name, err)
			}
			if err := s.checkReference(ctx, tx, prop, v); err != nil {
				return session.CommitResult{}, domain.Rejected("instance %q property %q: %v", next.Name, name, err)
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return session.CommitResult{}, err
			}
			if had && prev == string(raw) {
				continue
			}
			if err := s.Repo.PutValue(ctx, tx, next.ID, prop.ID, string(raw)); err != nil {
				return session.CommitResult{}, err
			}
			diff = append(diff, name)
		}
	}
	loaded, err := s.instance(ctx, tx, next.ID)
	if err != nil {
		return session.CommitResult{}, err
	}
	return session.CommitResult{Ref: instanceRef(loaded), Created: h.IsNew(), Changed: diff}, nil
}

// recodeValues rewrites the stored values of prop after its type or reference
// target changed. Values that cannot be converted are dropped.
func (s *Store) recodeValues(ctx context.Context, tx *sql.Tx, prop domain.PropertyDef) error {
	stored, err := s.Repo.PropertyValues(ctx, tx, prop.ID)
	if err != nil {
		return err
	}
	for instanceID, raw := range stored {
		v, ok := recode(prop.DataType, raw)
		if ok && s.checkReference(ctx, tx, prop, v) != nil {
			ok = false
		}
		if !ok {
			if err := s.Repo.DeleteValue(ctx, tx, instanceID, prop.ID); err != nil {
				return err
			}
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if string(data) == raw {
			continue
		}
		if err := s.Repo.PutValue(ctx, tx, instanceID, prop.ID, string(data)); err != nil {
			return err
		}
	}
	return nil
}

// visibleProperties returns the properties an instance of classID can set,
// keyed by display name. A property declared nearer to the class shadows one
// of the same name on an ancestor.
func (s *Store) visibleProperties(ctx context.Context, tx *sql.Tx, classID string) (map[string]domain.PropertyDef, error) {
	chain, err := s.Repo.ClassChain(ctx, tx, classID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(chain))
	depth := map[string]int{}
	for i, c := range chain {
		ids[i] = c.ID
		depth[c.ID] = i
	}
	props, err := s.Repo.PropertiesOf(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	res := map[string]domain.PropertyDef{}
	for _, p := range props {
		if prev, ok := res[p.DisplayName]; ok && depth[prev.ClassID] <= depth[p.ClassID] {
			continue
		}
		res[p.DisplayName] = p
	}
	return res, nil
}

// checkReference verifies that a GUID value of a class or path reference
// points at an instance of the target class or one of its subclasses.
func (s *Store) checkReference(ctx context.Context, tx *sql.Tx, prop domain.PropertyDef, v any) error {
	r := resolve.Resolve(prop.ReferenceTarget)
	if !r.ReferencesClass() || prop.DataType != domain.TypeGUID {
		return nil
	}
	id, _ := v.(string)
	target, err := s.Repo.GetInstance(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("referenced instance %s does not exist", id)
	}
	if err != nil {
		return err
	}
	class, err := s.Repo.ClassByName(ctx, tx, r.Class)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("reference target class %q does not exist", r.Class)
	}
	if err != nil {
		return err
	}
	ok, err := s.Repo.IsSubclass(ctx, tx, target.ClassID, class.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("instance %q is not a %s", target.Name, r.Class)
	}
	return nil
}

// changed lists the keys whose JSON encoding differs between before and after.
func changed(before, after map[string]any) []string {
	res := []string{}
	for _, k := range sortedKeys(after) {
		a, _ := json.Marshal(after[k])
		prev, ok := before[k]
		if ok {
			b, _ := json.Marshal(prev)
			if string(a) == string(b) {
				continue
			}
		}
		res = append(res, k)
	}
	return res
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringField(name string, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	}
	return "", domain.Rejected("field %s: want string, got %T", name, v)
}

func boolField(name string, v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, domain.Rejected("field %s: want bool, got %T", name, v)
}
