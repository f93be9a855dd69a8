package syncengine

import (
	"fmt"
	"sort"
	"strings"
)

// PropertyType is the tagged kind of a document-database property.
type PropertyType string

const (
	PropertyTitle    PropertyType = "title"
	PropertyRichText PropertyType = "rich_text"
	PropertyDate     PropertyType = "date"
	PropertySelect   PropertyType = "select"
	PropertyNumber   PropertyType = "number"
)

// FieldTarget binds one logical field to a concrete provider property.
type FieldTarget struct {
	PropertyName string       `json:"notionPropertyName" yaml:"notionPropertyName"`
	PropertyType PropertyType `json:"propertyType" yaml:"propertyType"`
	Enabled      bool         `json:"enabled" yaml:"enabled"`
}

// FieldMapping maps logical field names to provider properties. Required
// fields (title, date) are always treated as enabled.
type FieldMapping map[string]FieldTarget

// Logical field names.
const (
	FieldTitle          = "title"
	FieldDate           = "date"
	FieldDescription    = "description"
	FieldLocation       = "location"
	FieldGCalEventID    = "gcalEventId"
	FieldReminders      = "reminders"
	FieldAttendees      = "attendees"
	FieldOrganizer      = "organizer"
	FieldConferenceLink = "conferenceLink"
	FieldRecurrence     = "recurrence"
	FieldColor          = "color"
	FieldVisibility     = "visibility"
)

var requiredFields = []string{FieldTitle, FieldDate}

// allowedFieldTypes constrains which property types each logical field may
// bind to. Reminders only accept numeric properties.
var allowedFieldTypes = map[string][]PropertyType{
	FieldTitle:          {PropertyTitle},
	FieldDate:           {PropertyDate},
	FieldDescription:    {PropertyRichText},
	FieldLocation:       {PropertyRichText},
	FieldGCalEventID:    {PropertyRichText},
	FieldReminders:      {PropertyNumber},
	FieldAttendees:      {PropertyRichText},
	FieldOrganizer:      {PropertyRichText},
	FieldConferenceLink: {PropertyRichText},
	FieldRecurrence:     {PropertyRichText},
	FieldColor:          {PropertyRichText, PropertySelect},
	FieldVisibility:     {PropertyRichText, PropertySelect},
}

// DefaultFieldMapping mirrors the expected document database schema when
// the user has not configured anything.
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{
		FieldTitle:       {PropertyName: "Title", PropertyType: PropertyTitle, Enabled: true},
		FieldDate:        {PropertyName: "Date", PropertyType: PropertyDate, Enabled: true},
		FieldDescription: {PropertyName: "Description", PropertyType: PropertyRichText, Enabled: true},
		FieldLocation:    {PropertyName: "Location", PropertyType: PropertyRichText, Enabled: true},
		FieldGCalEventID: {PropertyName: "GCal Event ID", PropertyType: PropertyRichText, Enabled: true},
		FieldReminders:   {PropertyName: "Reminders", PropertyType: PropertyNumber, Enabled: false},
	}
}

// Target resolves the mapping for a logical field, falling back to the
// default mapping for fields the sync cannot run without.
func (m FieldMapping) Target(field string) (FieldTarget, bool) {
	t, ok := m[field]
	if ok && t.PropertyName != "" {
		return t, true
	}
	if alwaysResolved(field) {
		d := DefaultFieldMapping()[field]
		return d, true
	}
	return FieldTarget{}, false
}

// FieldEnabled reports whether a logical field participates in sync.
// Required fields are always enabled regardless of their flag, as is
// the cross-ref field: a mapping that silently dropped it would lose
// both loop prevention and the counterpart write-back.
func (m FieldMapping) FieldEnabled(field string) bool {
	if alwaysResolved(field) {
		return true
	}
	t, ok := m[field]
	return ok && t.Enabled && t.PropertyName != ""
}

func isRequiredField(field string) bool {
	for _, f := range requiredFields {
		if f == field {
			return true
		}
	}
	return false
}

// alwaysResolved names the fields that fall back to the default mapping
// when a configured mapping omits them. The cross-ref field rides along
// with the required fields because every sync path depends on it.
func alwaysResolved(field string) bool {
	return isRequiredField(field) || field == FieldGCalEventID
}

// Validate checks the mapping's internal consistency without consulting a
// schema: required fields present and non-empty, configured types within
// each field's allowed set.
func (m FieldMapping) Validate() error {
	for _, field := range requiredFields {
		t, ok := m[field]
		if !ok || strings.TrimSpace(t.PropertyName) == "" {
			return &ValidationError{Message: fmt.Sprintf("required field %q must map to a property", field)}
		}
	}
	for field, t := range m {
		allowed, known := allowedFieldTypes[field]
		if !known {
			return &ValidationError{Message: fmt.Sprintf("unknown logical field %q", field)}
		}
		if t.PropertyType == "" {
			continue
		}
		if !typeAllowed(t.PropertyType, allowed) {
			return &ValidationError{Message: fmt.Sprintf("field %q cannot use property type %s", field, t.PropertyType)}
		}
	}
	return nil
}

func typeAllowed(t PropertyType, allowed []PropertyType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// SchemaSnapshot is a point-in-time view of the database's properties,
// keyed by property name.
type SchemaSnapshot map[string]PropertyType

type PlannedProperty struct {
	Field        string       `json:"field"`
	PropertyName string       `json:"name"`
	PropertyType PropertyType `json:"type"`
}

type PropertyConflict struct {
	Field        string       `json:"field"`
	PropertyName string       `json:"propertyName"`
	ExpectedType PropertyType `json:"expectedType"`
	ActualType   PropertyType `json:"actualType"`
}

// MappingPlan describes what must change in the remote schema before a
// mapping can be committed. Resolving an unchanged mapping against an
// unchanged schema yields an empty plan.
type MappingPlan struct {
	ToCreate  []PlannedProperty  `json:"toCreate"`
	Conflicts []PropertyConflict `json:"conflicts"`
}

func (p MappingPlan) Empty() bool {
	return len(p.ToCreate) == 0 && len(p.Conflicts) == 0
}

// ResolveMapping checks every enabled field against the schema snapshot.
// A missing property lands in ToCreate; an existing property with an
// incompatible type lands in Conflicts. The resolver never mutates the
// remote schema itself.
func ResolveMapping(m FieldMapping, schema SchemaSnapshot) (MappingPlan, error) {
	if err := m.Validate(); err != nil {
		return MappingPlan{}, err
	}
	var plan MappingPlan
	fields := make([]string, 0, len(m)+1)
	for field := range m {
		fields = append(fields, field)
	}
	// The cross-ref property must exist even when the mapping never
	// names it, or nothing links pages to their calendar events.
	if _, ok := m[FieldGCalEventID]; !ok {
		fields = append(fields, FieldGCalEventID)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if !m.FieldEnabled(field) {
			continue
		}
		target, _ := m.Target(field)
		expected := target.PropertyType
		if expected == "" {
			expected = allowedFieldTypes[field][0]
		}
		actual, exists := schema[target.PropertyName]
		if !exists {
			plan.ToCreate = append(plan.ToCreate, PlannedProperty{
				Field:        field,
				PropertyName: target.PropertyName,
				PropertyType: expected,
			})
			continue
		}
		if !typeAllowed(actual, allowedFieldTypes[field]) {
			plan.Conflicts = append(plan.Conflicts, PropertyConflict{
				Field:        field,
				PropertyName: target.PropertyName,
				ExpectedType: expected,
				ActualType:   actual,
			})
		}
	}
	return plan, nil
}
