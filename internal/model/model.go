// Package model loads and checks the declarative equipment model.
package model

import (
	"errors"
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"modelsync/internal/domain"
	"modelsync/internal/resolve"
)

// Model is the content of a model file.
type Model struct {
	Classes   []ClassSpec    `yaml:"classes" json:"classes"`
	Instances []InstanceSpec `yaml:"instances,omitempty" json:"instances"`
}

// ClassSpec declares a class and the properties it owns.
type ClassSpec struct {
	Name       string         `yaml:"name" json:"name"`
	Base       string         `yaml:"base,omitempty" json:"base"`
	Abstract   bool           `yaml:"abstract,omitempty" json:"abstract"`
	Properties []PropertySpec `yaml:"properties,omitempty" json:"properties"`
}

type PropertySpec struct {
	Name            string          `yaml:"name" json:"name"`
	Type            domain.DataType `yaml:"type,omitempty" json:"type"`
	Unit            string          `yaml:"unit,omitempty" json:"unit"`
	Description     string          `yaml:"description,omitempty" json:"description"`
	Historized      bool            `yaml:"historized,omitempty" json:"historized"`
	ReferenceTarget string          `yaml:"reference_target,omitempty" json:"reference_target"`
}

// InstanceSpec declares a named instance of a concrete class.
type InstanceSpec struct {
	Name   string           `yaml:"name" json:"name"`
	Class  string           `yaml:"class" json:"class"`
	Values map[string]Value `yaml:"values,omitempty" json:"values"`
}

// InstanceRef names another instance of the model. Class is only needed when
// the name is used by instances of more than one class.
type InstanceRef struct {
	Name  string `yaml:"ref" json:"ref"`
	Class string `yaml:"class,omitempty" json:"class,omitempty"`
}

func (r InstanceRef) String() string {
	if r.Class == "" {
		return r.Name
	}
	return r.Class + "/" + r.Name
}

// Value is either a scalar or a reference to another instance, written in
// YAML as {ref: <instance name>}.
type Value struct {
	Ref    *InstanceRef
	Scalar any
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var ref InstanceRef
		if err := node.Decode(&ref); err != nil {
			return err
		}
		if ref.Name == "" {
			return fmt.Errorf("line %d: mapping values must be {ref: <instance>}", node.Line)
		}
		v.Ref = &ref
		return nil
	}
	return node.Decode(&v.Scalar)
}

func (v Value) MarshalYAML() (any, error) {
	if v.Ref != nil {
		return v.Ref, nil
	}
	return v.Scalar, nil
}

// Validate checks structure and cross references.
func (m *Model) Validate() error {
	if err := validation.ValidateStruct(m,
		validation.Field(&m.Classes, validation.Required),
		validation.Field(&m.Instances),
	); err != nil {
		return err
	}
	classes := map[string]ClassSpec{}
	for _, c := range m.Classes {
		if _, dup := classes[c.Name]; dup {
			return fmt.Errorf("class %q declared twice", c.Name)
		}
		classes[c.Name] = c
		seen := map[string]bool{}
		for _, p := range c.Properties {
			if seen[p.Name] {
				return fmt.Errorf("class %q declares property %q twice", c.Name, p.Name)
			}
			seen[p.Name] = true
		}
	}
	if _, err := m.ClassOrder(); err != nil {
		return err
	}
	type key struct{ class, name string }
	instances := map[key]bool{}
	for _, in := range m.Instances {
		c, ok := classes[in.Class]
		if !ok {
			return fmt.Errorf("instance %q: unknown class %q", in.Name, in.Class)
		}
		if c.Abstract {
			return fmt.Errorf("instance %q: class %q is abstract", in.Name, in.Class)
		}
		k := key{in.Class, in.Name}
		if instances[k] {
			return fmt.Errorf("instance %q of class %q declared twice", in.Name, in.Class)
		}
		instances[k] = true
	}
	for _, in := range m.Instances {
		visible := m.VisibleProperties(in.Class)
		for name, v := range in.Values {
			if _, ok := visible[name]; !ok {
				return fmt.Errorf("instance %q: class %q has no property %q", in.Name, in.Class, name)
			}
			if v.Ref == nil {
				continue
			}
			if _, err := m.Lookup(*v.Ref); err != nil {
				return fmt.Errorf("instance %q property %q: %w", in.Name, name, err)
			}
		}
	}
	return nil
}

func (c ClassSpec) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.Properties),
	)
}

func (p PropertySpec) Validate() error {
	override := resolve.Resolve(p.ReferenceTarget).Override
	types := make([]any, len(domain.DataTypes))
	for i, t := range domain.DataTypes {
		types[i] = t
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.Type, validation.When(!override, validation.Required), validation.In(types...)),
	)
}

func (in InstanceSpec) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required),
		validation.Field(&in.Class, validation.Required),
	)
}

// Class returns the class declared under name.
func (m *Model) Class(name string) (ClassSpec, bool) {
	for _, c := range m.Classes {
		if c.Name == name {
			return c, true
		}
	}
	return ClassSpec{}, false
}

// ClassOrder returns the classes with every base before its derived classes.
// Otherwise declaration order is kept.
func (m *Model) ClassOrder() ([]ClassSpec, error) {
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	order := make([]ClassSpec, 0, len(m.Classes))
	var visit func(c ClassSpec, path []string) error
	visit = func(c ClassSpec, path []string) error {
		next := make([]string, len(path), len(path)+1)
		copy(next, path)
		next = append(next, c.Name)
		switch state[c.Name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("inheritance cycle: %v", next)
		}
		state[c.Name] = visiting
		if c.Base != "" {
			base, ok := m.Class(c.Base)
			if !ok {
				return fmt.Errorf("class %q: unknown base %q", c.Name, c.Base)
			}
			if err := visit(base, next); err != nil {
				return err
			}
		}
		state[c.Name] = done
		order = append(order, c)
		return nil
	}
	for _, c := range m.Classes {
		if err := visit(c, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Ancestors returns the names of class and its bases, nearest first.
func (m *Model) Ancestors(class string) []string {
	var chain []string
	seen := map[string]bool{}
	for name := class; name != "" && !seen[name]; {
		seen[name] = true
		chain = append(chain, name)
		c, ok := m.Class(name)
		if !ok {
			break
		}
		name = c.Base
	}
	return chain
}

// VisibleProperties maps the property names an instance of class may set to
// the declaring class. Nearer declarations shadow inherited ones.
func (m *Model) VisibleProperties(class string) map[string]string {
	res := map[string]string{}
	for _, name := range m.Ancestors(class) {
		c, _ := m.Class(name)
		for _, p := range c.Properties {
			if _, ok := res[p.Name]; !ok {
				res[p.Name] = name
			}
		}
	}
	return res
}

var (
	errNoInstance        = errors.New("no such instance")
	errAmbiguousInstance = errors.New("instance name used by several classes; add class to the ref")
)

// Lookup finds the instance a reference points at.
func (m *Model) Lookup(ref InstanceRef) (InstanceSpec, error) {
	var matches []InstanceSpec
	for _, in := range m.Instances {
		if in.Name == ref.Name && (ref.Class == "" || in.Class == ref.Class) {
			matches = append(matches, in)
		}
	}
	switch len(matches) {
	case 0:
		return InstanceSpec{}, fmt.Errorf("ref %s: %w", ref, errNoInstance)
	case 1:
		return matches[0], nil
	}
	return InstanceSpec{}, fmt.Errorf("ref %s: %w", ref, errAmbiguousInstance)
}

// FromYAML parses and validates a model from raw YAML bytes.
func FromYAML(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid model yaml: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FromFile reads a YAML model from the given path.
func FromFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Default returns the water transfer demo model. It panics if the built-in
// template does not parse.
func Default() *Model {
	m, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("model: built-in template: %v", err))
	}
	return m
}

// GenerateDefault returns the demo model as YAML.
func GenerateDefault() string {
	return defaultTemplate
}
