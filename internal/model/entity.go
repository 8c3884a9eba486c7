package model

import (
	"slices"
	"strings"
	"time"
)

// EntityKind distinguishes people from organizations.
type EntityKind string

const (
	KindPerson       EntityKind = "person"
	KindOrganization EntityKind = "organization"
)

// Entity is the canonical record for one person or organization owned by a
// tenant. Field values change only through ApplyPatch.
type Entity struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	Kind           EntityKind         `json:"kind"`
	Fields         map[FieldKey]Field `json:"fields"`
	Tags           []string           `json:"tags,omitempty"`
	ObservationIDs []string           `json:"observation_ids,omitempty"`
	SurvivorID     string             `json:"survivor_id,omitempty"`
	DeletedAt      *time.Time         `json:"deleted_at,omitempty"`
	Version        int                `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Tombstoned reports whether the entity was soft-deleted as a duplicate.
func (e *Entity) Tombstoned() bool {
	return e.DeletedAt != nil
}

// Get returns the field for k, or the zero Field.
func (e *Entity) Get(k FieldKey) Field {
	if e.Fields == nil {
		return Field{}
	}
	return e.Fields[k]
}

// Value returns the value stored for k.
func (e *Entity) Value(k FieldKey) string {
	return e.Get(k).Value
}

// ConfidenceSum adds up the confidence of every non-empty field.
func (e *Entity) ConfidenceSum() int {
	sum := 0
	for _, f := range e.Fields {
		if !f.Empty() {
			sum += f.Confidence
		}
	}
	return sum
}

// EmailValues returns the distinct email values held by the entity. When
// verifiedOnly is set only verified fields are returned.
func (e *Entity) EmailValues(verifiedOnly bool) []string {
	var out []string
	for _, k := range EmailFields {
		f := e.Get(k)
		if f.Empty() || (verifiedOnly && !f.Verified) {
			continue
		}
		if !slices.Contains(out, f.Value) {
			out = append(out, f.Value)
		}
	}
	return out
}

// HasTag reports whether tag is present, ignoring case.
func (e *Entity) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = make(map[FieldKey]Field, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	c.Tags = slices.Clone(e.Tags)
	c.ObservationIDs = slices.Clone(e.ObservationIDs)
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}
