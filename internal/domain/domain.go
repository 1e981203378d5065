package domain

// DataType is the value type of a property definition.
type DataType string

const (
	TypeBoolean  DataType = "Boolean"
	TypeInt32    DataType = "Int32"
	TypeUInt32   DataType = "UInt32"
	TypeInt64    DataType = "Int64"
	TypeDouble   DataType = "Double"
	TypeString   DataType = "String"
	TypeGUID     DataType = "GUID"
	TypeDateTime DataType = "DateTime"
)

// DataTypes lists every supported data type.
var DataTypes = []DataType{TypeBoolean, TypeInt32, TypeUInt32, TypeInt64, TypeDouble, TypeString, TypeGUID, TypeDateTime}

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	for _, known := range DataTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ReferenceKind classifies a property's reference target.
type ReferenceKind string

const (
	ReferenceNone        ReferenceKind = ""
	ReferenceClass       ReferenceKind = "class"
	ReferencePath        ReferenceKind = "path"
	ReferenceEnumeration ReferenceKind = "enumeration"
)

type Class struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	BaseID    *string `json:"base_id,omitempty"`
	Abstract  bool    `json:"abstract"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type PropertyDef struct {
	ID              string   `json:"id"`
	ClassID         string   `json:"class_id"`
	DisplayName     string   `json:"display_name"`
	DataType        DataType `json:"data_type"`
	Unit            string   `json:"unit,omitempty"`
	Description     string   `json:"description,omitempty"`
	Historized      bool     `json:"historized"`
	ReferenceTarget string   `json:"reference_target,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Instance struct {
	ID        string         `json:"id"`
	ClassID   string         `json:"class_id"`
	Name      string         `json:"name"`
	Values    map[string]any `json:"values,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
