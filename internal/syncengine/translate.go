package syncengine

import (
	"sort"
	"strings"
	"time"
)

// GCal wire types, the subset of the calendar v3 event resource the
// engine reads and writes.

type GCalEventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type GCalReminderOverride struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

type GCalReminders struct {
	UseDefault bool                   `json:"useDefault"`
	Overrides  []GCalReminderOverride `json:"overrides,omitempty"`
}

type GCalExtendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

type GCalAttendee struct {
	Email string `json:"email,omitempty"`
}

type GCalOrganizer struct {
	Email string `json:"email,omitempty"`
}

type GCalConferenceData struct {
	EntryPoints []GCalConferenceEntryPoint `json:"entryPoints,omitempty"`
}

type GCalConferenceEntryPoint struct {
	URI string `json:"uri,omitempty"`
}

type GCalEvent struct {
	ID                 string                  `json:"id,omitempty"`
	Status             string                  `json:"status,omitempty"`
	EventType          string                  `json:"eventType,omitempty"`
	Summary            string                  `json:"summary,omitempty"`
	Description        string                  `json:"description,omitempty"`
	Location           string                  `json:"location,omitempty"`
	ColorID            string                  `json:"colorId,omitempty"`
	Visibility         string                  `json:"visibility,omitempty"`
	Start              *GCalEventTime          `json:"start,omitempty"`
	End                *GCalEventTime          `json:"end,omitempty"`
	Recurrence         []string                `json:"recurrence,omitempty"`
	Attendees          []GCalAttendee          `json:"attendees,omitempty"`
	Organizer          *GCalOrganizer          `json:"organizer,omitempty"`
	HangoutLink        string                  `json:"hangoutLink,omitempty"`
	ConferenceData     *GCalConferenceData     `json:"conferenceData,omitempty"`
	Reminders          *GCalReminders          `json:"reminders,omitempty"`
	ExtendedProperties *GCalExtendedProperties `json:"extendedProperties,omitempty"`
}

// notionPageIDKey is the private metadata slot on the calendar event that
// carries the cross-ref back to the document record.
const notionPageIDKey = "notion_page_id"

const allDayLayout = "2006-01-02"

// NotionPageToEvent translates a decoded page into the canonical Event.
// Returns nil when the page lacks a usable start date; callers log and
// skip, it is not an error.
func NotionPageToEvent(page NotionPage, mapping FieldMapping) *Event {
	prop := func(field string) (PropertyValue, bool) {
		target, ok := mapping.Target(field)
		if !ok {
			return PropertyValue{}, false
		}
		v, ok := page.Properties[target.PropertyName]
		return v, ok
	}

	date, ok := prop(FieldDate)
	if !ok || date.DateStart == "" {
		return nil
	}
	start, err := parseNotionTime(date.DateStart)
	if err != nil {
		return nil
	}
	var end time.Time
	if date.DateEnd != "" {
		end, err = parseNotionTime(date.DateEnd)
		if err != nil {
			return nil
		}
	} else {
		end = start.Add(time.Hour)
	}

	ev := &Event{
		ID:           page.ID,
		StartTime:    start,
		EndTime:      end,
		NotionPageID: page.ID,
	}
	ev.Title = pageTitle(page, mapping)
	if v, ok := prop(FieldDescription); ok {
		ev.Description = v.Text
	}
	if v, ok := prop(FieldLocation); ok {
		ev.Location = v.Text
	}
	ev.GCalEventID = pageCrossRef(page, mapping)
	if v, ok := prop(FieldReminders); ok && v.HasNumber {
		minutes := int(v.Number)
		ev.ReminderMinutes = &minutes
	}
	return ev
}

// pageCrossRef reads the calendar event id stored on a page, empty when
// the page was never linked. Unlike the full translation it needs no
// date, so deletes can resolve their counterpart on any page.
func pageCrossRef(page NotionPage, mapping FieldMapping) string {
	target, ok := mapping.Target(FieldGCalEventID)
	if !ok {
		return ""
	}
	return strings.TrimSpace(page.Properties[target.PropertyName].Text)
}

func pageTitle(page NotionPage, mapping FieldMapping) string {
	if target, ok := mapping.Target(FieldTitle); ok {
		if v, ok := page.Properties[target.PropertyName]; ok && v.Text != "" {
			return v.Text
		}
	}
	return "Untitled"
}

// GCalEventToEvent translates a calendar event into the canonical Event.
// Returns nil for provider-synthetic records (birthdays) and events
// missing an id, title or usable times.
func GCalEventToEvent(g GCalEvent) *Event {
	if g.EventType == "birthday" {
		return nil
	}
	if g.ID == "" || g.Summary == "" {
		return nil
	}
	start, ok := parseGCalTime(g.Start)
	if !ok {
		return nil
	}
	end, ok := parseGCalTime(g.End)
	if !ok {
		end = start.Add(time.Hour)
	}

	ev := &Event{
		ID:          g.ID,
		Title:       g.Summary,
		Description: g.Description,
		Location:    g.Location,
		StartTime:   start,
		EndTime:     end,
		GCalEventID: g.ID,
		Status:      StatusConfirmed,
	}
	switch g.Status {
	case "cancelled":
		ev.Status = StatusCancelled
	case "tentative":
		ev.Status = StatusTentative
	}
	if g.ExtendedProperties != nil {
		ev.NotionPageID = g.ExtendedProperties.Private[notionPageIDKey]
	}
	if g.Reminders != nil && len(g.Reminders.Overrides) > 0 {
		minutes := g.Reminders.Overrides[0].Minutes
		ev.ReminderMinutes = &minutes
	}
	for _, a := range g.Attendees {
		if a.Email != "" {
			ev.Attendees = append(ev.Attendees, a.Email)
		}
	}
	if g.Organizer != nil {
		ev.Organizer = g.Organizer.Email
	}
	ev.ConferenceLink = g.HangoutLink
	if ev.ConferenceLink == "" && g.ConferenceData != nil && len(g.ConferenceData.EntryPoints) > 0 {
		ev.ConferenceLink = g.ConferenceData.EntryPoints[0].URI
	}
	ev.Recurrence = g.Recurrence
	ev.Color = g.ColorID
	ev.Visibility = g.Visibility
	return ev
}

// EventToNotionProperties builds the page properties payload for a write.
// A nil fields slice means a create: every enabled mapped field plus the
// calendar cross-ref. A non-nil slice restricts the payload to exactly
// those logical fields.
func EventToNotionProperties(ev Event, mapping FieldMapping, fields []string) map[string]any {
	include := func(field string) bool {
		if !mapping.FieldEnabled(field) {
			return false
		}
		if fields == nil {
			return true
		}
		for _, f := range fields {
			if f == field {
				return true
			}
		}
		return false
	}

	out := map[string]any{}
	put := func(field string, v PropertyValue) {
		target, ok := mapping.Target(field)
		if !ok {
			return
		}
		rendered, err := renderPropertyValue(v)
		if err != nil {
			return
		}
		out[target.PropertyName] = rendered
	}

	if include(FieldTitle) {
		put(FieldTitle, TitleValue(ev.Title))
	}
	if include(FieldDate) {
		start, end := notionDateStrings(ev)
		put(FieldDate, DateValue(start, end))
	}
	if include(FieldDescription) && ev.Description != "" {
		put(FieldDescription, RichTextValue(ev.Description))
	}
	if include(FieldLocation) && ev.Location != "" {
		put(FieldLocation, RichTextValue(ev.Location))
	}
	if include(FieldGCalEventID) && ev.GCalEventID != "" {
		put(FieldGCalEventID, RichTextValue(ev.GCalEventID))
	}
	if include(FieldReminders) && ev.ReminderMinutes != nil {
		put(FieldReminders, NumberValue(float64(*ev.ReminderMinutes)))
	}
	if include(FieldAttendees) && len(ev.Attendees) > 0 {
		put(FieldAttendees, RichTextValue(strings.Join(ev.Attendees, ", ")))
	}
	if include(FieldOrganizer) && ev.Organizer != "" {
		put(FieldOrganizer, RichTextValue(ev.Organizer))
	}
	if include(FieldConferenceLink) && ev.ConferenceLink != "" {
		put(FieldConferenceLink, RichTextValue(ev.ConferenceLink))
	}
	if include(FieldRecurrence) && len(ev.Recurrence) > 0 {
		put(FieldRecurrence, RichTextValue(strings.Join(ev.Recurrence, "\n")))
	}
	if include(FieldColor) && ev.Color != "" {
		put(FieldColor, richTextOrSelect(mapping, FieldColor, ev.Color))
	}
	if include(FieldVisibility) && ev.Visibility != "" {
		put(FieldVisibility, richTextOrSelect(mapping, FieldVisibility, ev.Visibility))
	}
	return out
}

func richTextOrSelect(mapping FieldMapping, field, value string) PropertyValue {
	if target, ok := mapping.Target(field); ok && target.PropertyType == PropertySelect {
		return SelectValue(value)
	}
	return RichTextValue(value)
}

// EventToGCalPayload builds the calendar write payload. For creates all
// fields plus the document cross-ref are emitted; for updates only the
// named logical fields. Status and visibility are deliberately never
// written in either direction.
func EventToGCalPayload(ev Event, fields []string, isCreate bool) GCalEvent {
	include := func(field string) bool {
		if isCreate {
			return true
		}
		for _, f := range fields {
			if f == field {
				return true
			}
		}
		return false
	}

	var out GCalEvent
	if include(FieldTitle) {
		out.Summary = ev.Title
	}
	if include(FieldDate) {
		start, end := gcalTimes(ev)
		out.Start = start
		out.End = end
	}
	if include(FieldDescription) {
		out.Description = ev.Description
	}
	if include(FieldLocation) {
		out.Location = ev.Location
	}
	if include(FieldReminders) && ev.ReminderMinutes != nil {
		out.Reminders = &GCalReminders{
			UseDefault: false,
			Overrides: []GCalReminderOverride{
				{Method: "popup", Minutes: *ev.ReminderMinutes},
			},
		}
	}
	if isCreate && ev.NotionPageID != "" {
		out.ExtendedProperties = &GCalExtendedProperties{
			Private: map[string]string{notionPageIDKey: ev.NotionPageID},
		}
	}
	return out
}

func gcalTimes(ev Event) (*GCalEventTime, *GCalEventTime) {
	if ev.AllDay() {
		return &GCalEventTime{Date: ev.StartTime.UTC().Format(allDayLayout)},
			&GCalEventTime{Date: ev.EndTime.UTC().Format(allDayLayout)}
	}
	return &GCalEventTime{DateTime: ev.StartTime.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		&GCalEventTime{DateTime: ev.EndTime.UTC().Format(time.RFC3339), TimeZone: "UTC"}
}

func notionDateStrings(ev Event) (string, string) {
	if ev.AllDay() {
		return ev.StartTime.UTC().Format(allDayLayout), ev.EndTime.UTC().Format(allDayLayout)
	}
	return ev.StartTime.UTC().Format(time.RFC3339), ev.EndTime.UTC().Format(time.RFC3339)
}

func parseNotionTime(value string) (time.Time, error) {
	if len(value) == len(allDayLayout) {
		return time.ParseInLocation(allDayLayout, value, time.UTC)
	}
	return time.Parse(time.RFC3339, value)
}

func parseGCalTime(t *GCalEventTime) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	if t.Date != "" {
		parsed, err := time.ParseInLocation(allDayLayout, t.Date, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// ChangedFields compares the synced logical fields of two events and
// returns the names that differ. Status and visibility style fields are
// observed for interpretation but never part of the diff.
func ChangedFields(src, dst Event) []string {
	var changed []string
	if src.Title != dst.Title {
		changed = append(changed, FieldTitle)
	}
	if !src.StartTime.Equal(dst.StartTime) || !src.EndTime.Equal(dst.EndTime) {
		changed = append(changed, FieldDate)
	}
	if src.Description != dst.Description {
		changed = append(changed, FieldDescription)
	}
	if src.Location != dst.Location {
		changed = append(changed, FieldLocation)
	}
	if !reminderEqual(src.ReminderMinutes, dst.ReminderMinutes) {
		changed = append(changed, FieldReminders)
	}
	sort.Strings(changed)
	return changed
}

func reminderEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
