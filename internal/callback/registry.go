// Package callback selects the caller protocol an inbound request belongs to
// and delivers completion callbacks over that protocol.
//
// Protocols are tagged variants described by a Descriptor table rather than
// a type hierarchy: each descriptor declares the request fields that
// identify it, and the registry matches requests structurally against those
// field sets. Adding a protocol means adding a descriptor and a sender.
package callback

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/stmtrelay/internal/model"
)

// ErrMissingField is returned when a request matches an adapter but lacks a
// field the adapter conditionally requires.
var ErrMissingField = errors.New("missing required field")

// Fields is an inbound request decoded as raw JSON values keyed by field name.
type Fields map[string]json.RawMessage

// Has reports whether the named field is present.
func (f Fields) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// String returns the named field decoded as a string, or "" when it is
// absent or not a JSON string.
func (f Fields) String(name string) string {
	raw, ok := f[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Condition adds required fields when a discriminating field has a value.
type Condition struct {
	Field    string
	Value    string
	Requires []string
}

// Descriptor declares one caller protocol.
type Descriptor struct {
	Kind model.AdapterKind `json:"kind"`
	// Required lists the fields that must all be present for a match.
	Required []string `json:"required"`
	// IDField names the field carrying the correlation id, if any.
	IDField string `json:"id_field,omitempty"`
	// Conditions add requirements that do not take part in matching.
	Conditions []Condition `json:"conditions,omitempty"`
}

// Provisioning request field names.
const (
	FieldRequestType           = "RequestType"
	FieldResponseURL           = "ResponseURL"
	FieldStackID               = "StackId"
	FieldRequestID             = "RequestId"
	FieldResourceType          = "ResourceType"
	FieldLogicalResourceID     = "LogicalResourceId"
	FieldPhysicalResourceID    = "PhysicalResourceId"
	FieldOldResourceProperties = "OldResourceProperties"
)

// Task token request field names.
const (
	FieldTaskToken    = "taskToken"
	FieldExecutionArn = model.FieldExecutionArn
)

// Provisioning request types with extra requirements.
const (
	RequestTypeUpdate = "Update"
	RequestTypeDelete = "Delete"
)

// None is the null protocol: no callback is delivered.
var None = Descriptor{Kind: model.AdapterNone}

// TaskToken resumes a workflow task waiting on a task handle.
var TaskToken = Descriptor{
	Kind:     model.AdapterTaskToken,
	Required: []string{FieldTaskToken, FieldExecutionArn},
	IDField:  FieldExecutionArn,
}

// Provisioning answers a custom-resource provisioning request.
var Provisioning = Descriptor{
	Kind: model.AdapterProvisioning,
	Required: []string{
		FieldRequestType, FieldResponseURL, FieldStackID,
		FieldRequestID, FieldResourceType, FieldLogicalResourceID,
	},
	IDField: FieldLogicalResourceID,
	Conditions: []Condition{
		{Field: FieldRequestType, Value: RequestTypeUpdate, Requires: []string{FieldPhysicalResourceID, FieldOldResourceProperties}},
		{Field: FieldRequestType, Value: RequestTypeDelete, Requires: []string{FieldPhysicalResourceID}},
	},
}

// Registry holds the known protocol descriptors. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	descriptors []Descriptor
}

// NewRegistry creates a registry over the given descriptors.
func NewRegistry(ds ...Descriptor) *Registry {
	return &Registry{descriptors: append([]Descriptor(nil), ds...)}
}

// DefaultRegistry returns a registry with every built-in protocol.
func DefaultRegistry() *Registry {
	return NewRegistry(TaskToken, Provisioning)
}

// Descriptors returns the registered descriptors.
func (r *Registry) Descriptors() []Descriptor {
	return append([]Descriptor(nil), r.descriptors...)
}

// Match returns the descriptor that fully matches fields with the largest
// required set, or None. Partial matches are never selected.
func (r *Registry) Match(fields Fields) Descriptor {
	best := None
	bestScore := 0
	for _, d := range r.descriptors {
		present := 0
		for _, name := range d.Required {
			if fields.Has(name) {
				present++
			}
		}
		if present != len(d.Required) || present == 0 {
			continue
		}
		if present > bestScore {
			best = d
			bestScore = present
		}
	}
	return best
}

// NewState matches fields and builds the adapter state the match needs to
// deliver its callback later.
func (r *Registry) NewState(fields Fields) (model.AdapterState, error) {
	return r.Match(fields).NewState(fields)
}

// NewState builds the adapter state for d from fields, keeping only the
// required fields and any conditional ones that apply.
func (d Descriptor) NewState(fields Fields) (model.AdapterState, error) {
	state := model.AdapterState{Kind: d.Kind}
	if len(d.Required) == 0 {
		return state, nil
	}

	state.Fields = make(map[string]json.RawMessage, len(d.Required))
	for _, name := range d.Required {
		raw, ok := fields[name]
		if !ok {
			return model.AdapterState{}, fmt.Errorf("%s adapter: %w %q", d.Kind, ErrMissingField, name)
		}
		state.Fields[name] = raw
	}
	for _, c := range d.Conditions {
		if fields.String(c.Field) != c.Value {
			continue
		}
		for _, name := range c.Requires {
			raw, ok := fields[name]
			if !ok {
				return model.AdapterState{}, fmt.Errorf("%s adapter: %w %q for %s=%s", d.Kind, ErrMissingField, name, c.Field, c.Value)
			}
			state.Fields[name] = raw
		}
	}
	if d.IDField != "" {
		state.CorrelationID = fields.String(d.IDField)
	}
	return state, nil
}
