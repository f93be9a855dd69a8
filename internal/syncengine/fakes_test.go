package syncengine

import (
	"context"
	"time"
)

type fakeNotion struct {
	pages        map[string]*NotionPage
	schema       SchemaSnapshot
	nextPageID   string
	created      []map[string]any
	updated      map[string][]map[string]any
	archived     []string
	createdProps map[string]PropertyType

	getErr    error
	createErr error
	updateErr error
}

func newFakeNotion() *fakeNotion {
	return &fakeNotion{
		pages:        map[string]*NotionPage{},
		schema:       SchemaSnapshot{},
		nextPageID:   "page-new",
		updated:      map[string][]map[string]any{},
		createdProps: map[string]PropertyType{},
	}
}

func (f *fakeNotion) GetPage(_ context.Context, pageID string) (*NotionPage, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	page, ok := f.pages[pageID]
	if !ok {
		return nil, &NotFoundError{Resource: "page", ID: pageID}
	}
	copied := *page
	return &copied, nil
}

func (f *fakeNotion) QueryDatabase(context.Context) ([]NotionPage, error) {
	out := make([]NotionPage, 0, len(f.pages))
	for _, p := range f.pages {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeNotion) GetDatabaseSchema(context.Context) (SchemaSnapshot, error) {
	snapshot := SchemaSnapshot{}
	for name, t := range f.schema {
		snapshot[name] = t
	}
	return snapshot, nil
}

func (f *fakeNotion) CreatePage(_ context.Context, properties map[string]any) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, properties)
	return f.nextPageID, nil
}

func (f *fakeNotion) UpdatePage(_ context.Context, pageID string, properties map[string]any) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated[pageID] = append(f.updated[pageID], properties)
	return nil
}

func (f *fakeNotion) ArchivePage(_ context.Context, pageID string) error {
	f.archived = append(f.archived, pageID)
	return nil
}

func (f *fakeNotion) CreateProperty(_ context.Context, name string, propertyType PropertyType) error {
	f.createdProps[name] = propertyType
	f.schema[name] = propertyType
	return nil
}

type fakeGCal struct {
	events      map[string]*GCalEvent
	listed      []GCalEvent
	syncEvents  []GCalEvent
	nextToken   string
	nextEventID string
	inserted    []GCalEvent
	patched     map[string][]GCalEvent
	deleted     []string
	watched     []string
	stopped     []string

	getErr    error
	listErr   error
	syncErr   error
	insertErr error
	patchErr  error
	deleteErr error
}

func newFakeGCal() *fakeGCal {
	return &fakeGCal{
		events:      map[string]*GCalEvent{},
		nextEventID: "gcal-new",
		patched:     map[string][]GCalEvent{},
	}
}

func (f *fakeGCal) GetEvent(_ context.Context, eventID string) (*GCalEvent, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	ev, ok := f.events[eventID]
	if !ok {
		return nil, &NotFoundError{Resource: "event", ID: eventID}
	}
	copied := *ev
	return &copied, nil
}

func (f *fakeGCal) ListEvents(context.Context, time.Time, time.Time) ([]GCalEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]GCalEvent(nil), f.listed...), nil
}

func (f *fakeGCal) ListEventsSince(_ context.Context, syncToken string) ([]GCalEvent, string, error) {
	if f.syncErr != nil && syncToken != "" {
		return nil, "", f.syncErr
	}
	return append([]GCalEvent(nil), f.syncEvents...), f.nextToken, nil
}

func (f *fakeGCal) InsertEvent(_ context.Context, event GCalEvent) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = append(f.inserted, event)
	return f.nextEventID, nil
}

func (f *fakeGCal) PatchEvent(_ context.Context, eventID string, event GCalEvent) error {
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patched[eventID] = append(f.patched[eventID], event)
	return nil
}

func (f *fakeGCal) DeleteEvent(_ context.Context, eventID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeGCal) Watch(_ context.Context, channelID, _ string) (*GCalChannel, error) {
	f.watched = append(f.watched, channelID)
	return &GCalChannel{ChannelID: channelID, ResourceID: "resource-" + channelID}, nil
}

func (f *fakeGCal) StopChannel(_ context.Context, channelID, _ string) error {
	f.stopped = append(f.stopped, channelID)
	return nil
}

// fakeFactory hands out the same fake clients regardless of
// credentials.
type fakeFactory struct {
	notion *fakeNotion
	gcal   *fakeGCal
}

func (f fakeFactory) Notion(NotionCredentials) NotionClient { return f.notion }
func (f fakeFactory) GCal(GoogleCredentials) GCalClient     { return f.gcal }

// staticSettings serves a fixed mapping and zero credentials.
type staticSettings struct {
	mapping FieldMapping
}

func (s staticSettings) Notion(context.Context) (NotionCredentials, error) {
	return NotionCredentials{}, nil
}

func (s staticSettings) Google(context.Context) (GoogleCredentials, error) {
	return GoogleCredentials{}, nil
}

func (s staticSettings) Mapping(context.Context) (FieldMapping, error) {
	if s.mapping == nil {
		return DefaultFieldMapping(), nil
	}
	return s.mapping, nil
}

// mutableSettings lets a test swap the mapping between operations.
type mutableSettings struct {
	mapping FieldMapping
}

func (s *mutableSettings) Notion(context.Context) (NotionCredentials, error) {
	return NotionCredentials{}, nil
}

func (s *mutableSettings) Google(context.Context) (GoogleCredentials, error) {
	return GoogleCredentials{}, nil
}

func (s *mutableSettings) Mapping(context.Context) (FieldMapping, error) {
	if s.mapping == nil {
		return DefaultFieldMapping(), nil
	}
	return s.mapping, nil
}

// testPage builds a page with the default mapping's property names.
func testPage(id, title string, start, end time.Time) *NotionPage {
	props := map[string]PropertyValue{
		"Title": TitleValue(title),
	}
	startStr := start.UTC().Format(time.RFC3339)
	endStr := ""
	if !end.IsZero() {
		endStr = end.UTC().Format(time.RFC3339)
	}
	props["Date"] = DateValue(startStr, endStr)
	return &NotionPage{ID: id, Properties: props}
}

// testGCalEvent builds a timed calendar event.
func testGCalEvent(id, summary string, start, end time.Time) *GCalEvent {
	return &GCalEvent{
		ID:      id,
		Summary: summary,
		Status:  "confirmed",
		Start:   &GCalEventTime{DateTime: start.UTC().Format(time.RFC3339)},
		End:     &GCalEventTime{DateTime: end.UTC().Format(time.RFC3339)},
	}
}
