// Package catalog holds the static per-kind metadata that drives validation,
// identity resolution, drift detection and RPC binding for every managed
// Catalyst Center resource kind.
package catalog

import (
	"fmt"
)

// Kind names a managed resource type, e.g. "site" or "wireless-profile".
type Kind string

// FieldType is the declared type of a desired-spec field.
type FieldType string

const (
	FieldString FieldType = "str"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldList   FieldType = "list"
	FieldDict   FieldType = "dict"
	FieldAny    FieldType = "raw"
)

// Validate checks if the field type is valid.
func (t FieldType) Validate() error {
	switch t {
	case FieldString, FieldInt, FieldFloat, FieldBool, FieldList, FieldDict, FieldAny:
		return nil
	default:
		return fmt.Errorf("invalid field type: %s", t)
	}
}

// OperationName identifies one of the controller operations a kind can bind.
type OperationName string

const (
	OpGetByID   OperationName = "get_by_id"
	OpGetByName OperationName = "get_by_name"
	OpList      OperationName = "list"
	OpCreate    OperationName = "create"
	OpUpdate    OperationName = "update"
	OpDelete    OperationName = "delete"
)

// IsMutating returns true for create, update and delete.
func (o OperationName) IsMutating() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Validate checks if the operation name is valid.
func (o OperationName) Validate() error {
	switch o {
	case OpGetByID, OpGetByName, OpList, OpCreate, OpUpdate, OpDelete:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// Variant selects how comparator values are compared.
type Variant string

const (
	// VariantStrict compares values exactly.
	VariantStrict Variant = "strict"

	// VariantNormalized lowercases and trims strings before comparing.
	VariantNormalized Variant = "normalized"
)

// FieldSpec describes one field of a kind's argument schema.
type FieldSpec struct {
	Name      string        `json:"name" validate:"required"`
	Type      FieldType     `json:"type" validate:"required,oneof=str int float bool list dict raw"`
	Required  bool          `json:"required,omitempty"`
	Sensitive bool          `json:"sensitive,omitempty"`
	Default   interface{}   `json:"default,omitempty"`
	Choices   []interface{} `json:"choices,omitempty"`

	// Elements is the element type for list fields.
	Elements FieldType `json:"elements,omitempty" validate:"omitempty,oneof=str int float bool list dict raw"`
}

// RequiredIf requires Fields whenever Field equals Value.
type RequiredIf struct {
	Field  string      `json:"field" validate:"required"`
	Value  interface{} `json:"value"`
	Fields []string    `json:"fields" validate:"required,min=1"`
}

// Rules groups the cross-field constraints of a schema.
type Rules struct {
	RequiredIf        []RequiredIf `json:"requiredIf,omitempty" validate:"dive"`
	MutuallyExclusive [][]string   `json:"mutuallyExclusive,omitempty"`
	RequiredTogether  [][]string   `json:"requiredTogether,omitempty"`
}

// Operation binds a catalog operation to a controller RPC.
type Operation struct {
	Family   string `json:"family" validate:"required"`
	Function string `json:"function" validate:"required"`

	// Method and Path describe the REST route used by the HTTP client.
	Method string `json:"method" validate:"required,oneof=GET POST PUT DELETE"`
	Path   string `json:"path" validate:"required,startswith=/"`

	// Async marks operations that answer with a task handle.
	Async bool `json:"async,omitempty"`

	// IDParam is the parameter carrying the object id (get_by_id, update, delete).
	IDParam string `json:"idParam,omitempty"`

	// NameParam is the parameter carrying the object name (get_by_name).
	NameParam string `json:"nameParam,omitempty"`
}

// Comparator pairs an observed field with a desired field.
type Comparator struct {
	// Observed is a dotted path into the observed object.
	Observed string `json:"observed" validate:"required"`
	Desired  string `json:"desired" validate:"required"`

	// Unordered compares list values as sets.
	Unordered bool `json:"unordered,omitempty"`
}

// Entry is the complete metadata for one kind.
type Entry struct {
	Kind        Kind   `json:"kind" validate:"required"`
	Description string `json:"description,omitempty"`

	Fields []FieldSpec `json:"fields" validate:"required,min=1,dive"`
	Rules  Rules       `json:"rules,omitempty"`

	// IdentityKeys are the desired fields that identify an object, in order.
	IdentityKeys []string `json:"identityKeys" validate:"required,min=1"`

	// IDField is the desired field that receives the authoritative id.
	IDField string `json:"idField" validate:"required"`

	// NameField is the desired field holding the object name.
	NameField string `json:"nameField" validate:"required"`

	// ObservedNameField is the observed field matched against NameField.
	ObservedNameField string `json:"observedNameField,omitempty"`

	// IDFields are the observed id candidates, first non-null wins.
	IDFields []string `json:"idFields" validate:"required,min=1"`

	Comparators []Comparator `json:"comparators" validate:"dive"`
	Variant     Variant      `json:"variant" validate:"omitempty,oneof=strict normalized"`

	Operations map[OperationName]Operation `json:"operations" validate:"required,dive"`

	// ReadOnlyUpdate reports drift as present_and_different instead of updating.
	ReadOnlyUpdate bool `json:"readOnlyUpdate,omitempty"`

	// DependsOn lists kinds that must exist before this kind.
	DependsOn []Kind `json:"dependsOn,omitempty"`

	fieldIndex map[string]*FieldSpec
}

// Operation returns the binding for op.
func (e *Entry) Operation(op OperationName) (Operation, bool) {
	o, ok := e.Operations[op]
	return o, ok
}

// HasOperation reports whether op is bound for the kind.
func (e *Entry) HasOperation(op OperationName) bool {
	_, ok := e.Operations[op]
	return ok
}

// Field returns the spec of the named field.
func (e *Entry) Field(name string) (*FieldSpec, bool) {
	f, ok := e.fieldIndex[name]
	return f, ok
}

// IsSensitive reports whether the named desired field is sensitive.
func (e *Entry) IsSensitive(name string) bool {
	f, ok := e.fieldIndex[name]
	return ok && f.Sensitive
}

// ObservedName returns the observed field holding the object name.
func (e *Entry) ObservedName() string {
	if e.ObservedNameField != "" {
		return e.ObservedNameField
	}
	return e.NameField
}

// index builds lookup tables and applies entry defaults.
func (e *Entry) index() error {
	e.fieldIndex = make(map[string]*FieldSpec, len(e.Fields))
	for i := range e.Fields {
		f := &e.Fields[i]
		if _, dup := e.fieldIndex[f.Name]; dup {
			return fmt.Errorf("kind %s: duplicate field %s", e.Kind, f.Name)
		}
		if err := f.Type.Validate(); err != nil {
			return fmt.Errorf("kind %s field %s: %w", e.Kind, f.Name, err)
		}
		e.fieldIndex[f.Name] = f
	}

	if e.Variant == "" {
		e.Variant = VariantStrict
	}

	for _, key := range append([]string{e.IDField, e.NameField}, e.IdentityKeys...) {
		if _, ok := e.fieldIndex[key]; !ok {
			return fmt.Errorf("kind %s: identity field %s is not declared", e.Kind, key)
		}
	}

	for _, c := range e.Comparators {
		if _, ok := e.fieldIndex[c.Desired]; !ok {
			return fmt.Errorf("kind %s: comparator field %s is not declared", e.Kind, c.Desired)
		}
	}

	for name := range e.Operations {
		if err := name.Validate(); err != nil {
			return fmt.Errorf("kind %s: %w", e.Kind, err)
		}
	}

	if !e.HasOperation(OpGetByID) && !e.HasOperation(OpGetByName) && !e.HasOperation(OpList) {
		return fmt.Errorf("kind %s: no read operation bound", e.Kind)
	}
	if e.ReadOnlyUpdate && e.HasOperation(OpUpdate) {
		return fmt.Errorf("kind %s: readOnlyUpdate kinds cannot bind update", e.Kind)
	}

	return nil
}
