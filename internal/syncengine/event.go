package syncengine

import (
	"time"
)

type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// Event is the provider-agnostic representation every translation passes
// through. It is constructed per sync operation and never persisted
// beyond the sync log.
type Event struct {
	ID              string
	Title           string
	StartTime       time.Time
	EndTime         time.Time
	Description     string
	Location        string
	Status          EventStatus
	ReminderMinutes *int

	// Cross-refs. GCalEventID is stored in a Notion property; NotionPageID
	// is stored in the calendar event's private extended properties.
	GCalEventID  string
	NotionPageID string

	// Optional fields populated from the calendar side, written to the
	// document side only when the mapping enables them.
	Attendees      []string
	Organizer      string
	ConferenceLink string
	Recurrence     []string
	Color          string
	Visibility     string
}

// Linked reports whether the event already points at a counterpart in
// either direction.
func (e Event) Linked() bool {
	return e.GCalEventID != "" || e.NotionPageID != ""
}

// AllDay reports whether the event should use a date-only representation
// on the calendar side: both times fall exactly at midnight UTC.
func (e Event) AllDay() bool {
	return atUTCMidnight(e.StartTime) && atUTCMidnight(e.EndTime)
}

func atUTCMidnight(t time.Time) bool {
	u := t.UTC()
	return u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0
}

type Source string

const (
	SourceNotion Source = "notion"
	SourceGCal   Source = "gcal"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeNotice is the normalized product of webhook ingestion. It is
// consumed exactly once by the orchestrator and discarded afterwards;
// only its outcome is logged.
type ChangeNotice struct {
	Source     Source
	Operation  Operation
	NativeID   string
	ReceivedAt time.Time
	// DedupeKey is the KV key that claimed this delivery, empty when the
	// provider sent no delivery id to claim against.
	DedupeKey string
}

type Direction string

const (
	DirectionNotionToGCal Direction = "notion_to_gcal"
	DirectionGCalToNotion Direction = "gcal_to_notion"
)

// SyncLogEntry is an immutable append-only record of one sync attempt.
type SyncLogEntry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Direction     Direction `json:"direction"`
	Operation     Operation `json:"operation"`
	SourceEventID string    `json:"sourceEventId"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
}

const (
	SyncStatusSuccess = "success"
	SyncStatusFailure = "failure"
)

type BackfillStatus string

const (
	BackfillIdle      BackfillStatus = "idle"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

// BackfillProgress is the mutable singleton state owned by the backfill
// service, stored in the shared KV store.
type BackfillProgress struct {
	Status      BackfillStatus `json:"status"`
	Total       int            `json:"total"`
	Processed   int            `json:"processed"`
	Fields      []string       `json:"fields"`
	StartedAt   string         `json:"startedAt,omitempty"`
	CompletedAt string         `json:"completedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// BackfillFields is the fixed set of field names a backfill may populate.
var BackfillFields = []string{
	"attendees",
	"organizer",
	"conferenceLink",
	"recurrence",
	"color",
	"visibility",
	"reminders",
}

func ValidBackfillField(name string) bool {
	for _, f := range BackfillFields {
		if f == name {
			return true
		}
	}
	return false
}
