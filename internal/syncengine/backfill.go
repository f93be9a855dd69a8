package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

const backfillProgressKey = "sync:backfill:progress"

// backfillDefaultTargets names the document property each enrichment
// field lands in when the configured mapping has no entry for it.
var backfillDefaultTargets = map[string]FieldTarget{
	FieldAttendees:      {PropertyName: "Attendees", PropertyType: PropertyRichText, Enabled: true},
	FieldOrganizer:      {PropertyName: "Organizer", PropertyType: PropertyRichText, Enabled: true},
	FieldConferenceLink: {PropertyName: "Conference Link", PropertyType: PropertyRichText, Enabled: true},
	FieldRecurrence:     {PropertyName: "Recurrence", PropertyType: PropertyRichText, Enabled: true},
	FieldColor:          {PropertyName: "Color", PropertyType: PropertySelect, Enabled: true},
	FieldVisibility:     {PropertyName: "Visibility", PropertyType: PropertySelect, Enabled: true},
	FieldReminders:      {PropertyName: "Reminders", PropertyType: PropertyNumber, Enabled: true},
}

// BackfillOptions tunes the backfill run. Zero values take the
// production defaults.
type BackfillOptions struct {
	BatchSize    int
	WindowPast   time.Duration
	WindowFuture time.Duration
	Dispatch     func(func())
	Now          func() time.Time
}

// BackfillService copies enrichment fields from already-linked calendar
// events into their document counterparts. At most one run may be
// active; the guard lives in the KV store so it holds across processes.
// Clients and the mapping come from the settings source when a run
// begins, not when the service is built.
type BackfillService struct {
	kv       KVStore
	factory  ProviderClientFactory
	settings SettingsSource

	batchSize    int
	windowPast   time.Duration
	windowFuture time.Duration
	dispatch     func(func())
	now          func() time.Time
}

func NewBackfillService(kv KVStore, factory ProviderClientFactory, settings SettingsSource, opts BackfillOptions) *BackfillService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.WindowPast <= 0 {
		opts.WindowPast = 30 * 24 * time.Hour
	}
	if opts.WindowFuture <= 0 {
		opts.WindowFuture = 365 * 24 * time.Hour
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(fn func()) { go fn() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &BackfillService{
		kv:           kv,
		factory:      factory,
		settings:     settings,
		batchSize:    opts.BatchSize,
		windowPast:   opts.WindowPast,
		windowFuture: opts.WindowFuture,
		dispatch:     opts.Dispatch,
		now:          opts.Now,
	}
}

// Start claims the run guard and kicks off a backfill of the given
// fields. An empty field list means all enrichment fields. A run
// already in flight yields ErrAlreadyRunning; the caller decides how to
// surface that.
func (s *BackfillService) Start(ctx context.Context, fields []string) (*BackfillProgress, error) {
	if len(fields) == 0 {
		fields = append([]string(nil), BackfillFields...)
	}
	for _, f := range fields {
		if !ValidBackfillField(f) {
			return nil, &ValidationError{Message: fmt.Sprintf("unknown backfill field %q", f)}
		}
	}

	raw, exists, err := s.kv.Get(ctx, backfillProgressKey)
	if err != nil {
		return nil, err
	}
	if exists {
		var current BackfillProgress
		if err := json.Unmarshal(raw, &current); err == nil && current.Status == BackfillRunning {
			return nil, ErrAlreadyRunning
		}
	}

	progress := BackfillProgress{
		Status:    BackfillRunning,
		Fields:    fields,
		StartedAt: s.now().UTC().Format(time.RFC3339),
	}
	next, err := json.Marshal(progress)
	if err != nil {
		return nil, err
	}

	// Compare-and-swap against the exact bytes read above. A concurrent
	// Start that won the race changed them, so ours loses cleanly.
	var expected []byte
	if exists {
		expected = raw
	}
	claimed, err := s.kv.SetIfEqual(ctx, backfillProgressKey, expected, next, 0)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAlreadyRunning
	}

	s.dispatch(func() {
		s.run(context.Background(), fields)
	})
	return &progress, nil
}

// Progress returns the stored run state. A store with no record yet
// reads as idle.
func (s *BackfillService) Progress(ctx context.Context) (*BackfillProgress, error) {
	raw, ok, err := s.kv.Get(ctx, backfillProgressKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &BackfillProgress{Status: BackfillIdle}, nil
	}
	var progress BackfillProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

func (s *BackfillService) run(ctx context.Context, fields []string) {
	notion, gcal, configured, err := s.resolve(ctx)
	if err != nil {
		s.finish(ctx, BackfillProgress{Status: BackfillFailed, Fields: fields, Error: err.Error()})
		return
	}
	mapping := backfillMapping(configured, fields)

	if err := s.ensureProperties(ctx, notion, mapping); err != nil {
		s.finish(ctx, BackfillProgress{Status: BackfillFailed, Fields: fields, Error: err.Error()})
		return
	}

	now := s.now().UTC()
	events, err := gcal.ListEvents(ctx, now.Add(-s.windowPast), now.Add(s.windowFuture))
	if err != nil {
		s.finish(ctx, BackfillProgress{Status: BackfillFailed, Fields: fields, Error: err.Error()})
		return
	}

	// Only events already linked to a document can be enriched.
	linked := events[:0]
	for _, g := range events {
		if g.ExtendedProperties != nil && g.ExtendedProperties.Private[notionPageIDKey] != "" {
			linked = append(linked, g)
		}
	}

	progress := BackfillProgress{
		Status:    BackfillRunning,
		Total:     len(linked),
		Fields:    fields,
		StartedAt: now.Format(time.RFC3339),
	}
	if err := s.store(ctx, progress); err != nil {
		log.Printf("backfill: storing progress: %v", err)
	}

	for start := 0; start < len(linked); start += s.batchSize {
		end := start + s.batchSize
		if end > len(linked) {
			end = len(linked)
		}
		for _, g := range linked[start:end] {
			ev := GCalEventToEvent(g)
			if ev == nil || ev.NotionPageID == "" {
				continue
			}
			props := EventToNotionProperties(*ev, mapping, fields)
			if len(props) == 0 {
				continue
			}
			if err := notion.UpdatePage(ctx, ev.NotionPageID, props); err != nil {
				log.Printf("backfill: updating page %s from event %s: %v", ev.NotionPageID, g.ID, err)
			}
		}
		progress.Processed = end
		if err := s.store(ctx, progress); err != nil {
			log.Printf("backfill: storing progress: %v", err)
		}
	}

	progress.Status = BackfillCompleted
	progress.CompletedAt = s.now().UTC().Format(time.RFC3339)
	s.finish(ctx, progress)
}

// resolve builds the run's clients and mapping from the current
// settings.
func (s *BackfillService) resolve(ctx context.Context) (NotionClient, GCalClient, FieldMapping, error) {
	notionCreds, err := s.settings.Notion(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving notion settings: %w", err)
	}
	googleCreds, err := s.settings.Google(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving google settings: %w", err)
	}
	mapping, err := s.settings.Mapping(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving field mapping: %w", err)
	}
	return s.factory.Notion(notionCreds), s.factory.GCal(googleCreds), mapping, nil
}

// ensureProperties makes sure the document schema can hold every
// requested field, creating missing properties and refusing to run on
// a type conflict.
func (s *BackfillService) ensureProperties(ctx context.Context, notion NotionClient, mapping FieldMapping) error {
	schema, err := notion.GetDatabaseSchema(ctx)
	if err != nil {
		return err
	}
	plan, err := ResolveMapping(mapping, schema)
	if err != nil {
		return err
	}
	if len(plan.Conflicts) > 0 {
		c := plan.Conflicts[0]
		return &PropertyConflictError{
			Field:        c.Field,
			PropertyName: c.PropertyName,
			ExpectedType: c.ExpectedType,
			ActualType:   c.ActualType,
		}
	}
	for _, p := range plan.ToCreate {
		if err := notion.CreateProperty(ctx, p.PropertyName, p.PropertyType); err != nil {
			return err
		}
	}
	return nil
}

// backfillMapping is the configured mapping restricted to the requested
// fields, with defaults filled in for fields the mapping never named.
// Required fields ride along so the mapping stays self-consistent.
func backfillMapping(configured FieldMapping, fields []string) FieldMapping {
	mapping := FieldMapping{}
	for _, f := range requiredFields {
		target, _ := configured.Target(f)
		mapping[f] = target
	}
	for _, f := range fields {
		if target, ok := configured[f]; ok {
			mapping[f] = target
			continue
		}
		mapping[f] = backfillDefaultTargets[f]
	}
	return mapping
}

func (s *BackfillService) store(ctx context.Context, progress BackfillProgress) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, backfillProgressKey, raw, 0)
}

func (s *BackfillService) finish(ctx context.Context, progress BackfillProgress) {
	if progress.StartedAt == "" {
		progress.StartedAt = s.now().UTC().Format(time.RFC3339)
	}
	if progress.Status == BackfillFailed {
		progress.CompletedAt = s.now().UTC().Format(time.RFC3339)
		log.Printf("backfill: run failed: %s", progress.Error)
	}
	if err := s.store(ctx, progress); err != nil {
		log.Printf("backfill: storing final progress: %v", err)
	}
}
