// Package resolve interprets property reference targets.
package resolve

import (
	"strings"

	"modelsync/internal/domain"
)

const (
	classPrefix       = "Class:"
	enumerationPrefix = "Enumeration:"
	variableSuffix    = ".Variable"
	pathMarker        = ".Path_"
)

// Resolution is the outcome of resolving a reference target.
// Override is false for pass-through targets; DataType and Historized are
// only meaningful when Override is true.
type Resolution struct {
	Kind        domain.ReferenceKind
	Class       string
	Enumeration string
	Override    bool
	DataType    domain.DataType
	Historized  bool
}

// Resolve parses target:
//
//	Class:<class>.Variable    class reference, UInt32
//	Class:<class>.Path_<rest> path reference, GUID
//	Enumeration:<rest>        enumeration reference, String
//
// Anything else passes through without overrides. A bare "Class:<class>"
// keeps the class name for value checks but does not override the type.
func Resolve(target string) Resolution {
	switch {
	case strings.HasPrefix(target, classPrefix):
		rest := strings.TrimPrefix(target, classPrefix)
		if class, ok := strings.CutSuffix(rest, variableSuffix); ok {
			return Resolution{Kind: domain.ReferenceClass, Class: class, Override: true, DataType: domain.TypeUInt32}
		}
		if i := strings.Index(rest, pathMarker); i >= 0 {
			return Resolution{Kind: domain.ReferencePath, Class: rest[:i], Override: true, DataType: domain.TypeGUID}
		}
		return Resolution{Class: rest}
	case strings.HasPrefix(target, enumerationPrefix):
		return Resolution{
			Kind:        domain.ReferenceEnumeration,
			Enumeration: strings.TrimPrefix(target, enumerationPrefix),
			Override:    true,
			DataType:    domain.TypeString,
		}
	}
	return Resolution{}
}

// Apply returns the data type and historized flag to commit, with the
// resolution's overrides taking precedence over the caller's values.
func (r Resolution) Apply(dataType domain.DataType, historized bool) (domain.DataType, bool) {
	if !r.Override {
		return dataType, historized
	}
	return r.DataType, r.Historized
}

// ReferencesClass reports whether values of the property must point at
// instances of r.Class.
func (r Resolution) ReferencesClass() bool {
	return r.Class != "" && r.Kind != domain.ReferenceEnumeration
}
