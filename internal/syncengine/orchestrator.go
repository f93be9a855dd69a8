package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Orchestrator is the decision engine. Each ChangeNotice passes through
// exactly once: fetch the triggering record, translate it, resolve the
// counterpart through the cross-refs and apply the change. Every branch
// is terminal; failures become a failed SyncLogEntry and are not
// replayed.
//
// Clients and the field mapping are resolved from the settings source
// per notice, so a settings edit applies to the next notice without a
// restart.
type Orchestrator struct {
	factory  ProviderClientFactory
	settings SettingsSource
	syncLog  *SyncLog
}

func NewOrchestrator(factory ProviderClientFactory, settings SettingsSource, syncLog *SyncLog) *Orchestrator {
	if syncLog == nil {
		syncLog = NewSyncLog(nil)
	}
	return &Orchestrator{factory: factory, settings: settings, syncLog: syncLog}
}

func (o *Orchestrator) HandleNotice(ctx context.Context, notice ChangeNotice) error {
	notion, gcal, mapping, err := o.resolve(ctx)
	if err != nil {
		return err
	}
	switch notice.Source {
	case SourceNotion:
		return o.handleNotionNotice(ctx, notice, notion, gcal, mapping)
	case SourceGCal:
		return o.handleGCalNotice(ctx, notice, notion, gcal, mapping)
	default:
		return &ValidationError{Message: "unknown notice source"}
	}
}

func (o *Orchestrator) resolve(ctx context.Context) (NotionClient, GCalClient, FieldMapping, error) {
	notionCreds, err := o.settings.Notion(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving notion settings: %w", err)
	}
	googleCreds, err := o.settings.Google(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving google settings: %w", err)
	}
	mapping, err := o.settings.Mapping(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolving field mapping: %w", err)
	}
	return o.factory.Notion(notionCreds), o.factory.GCal(googleCreds), mapping, nil
}

func (o *Orchestrator) handleNotionNotice(ctx context.Context, notice ChangeNotice, notion NotionClient, gcal GCalClient, mapping FieldMapping) error {
	page, err := notion.GetPage(ctx, notice.NativeID)
	if err != nil {
		if notice.Operation == OpDelete && errors.Is(err, ErrNotFound) {
			// The record vanished before we could read its cross-ref;
			// there is nothing left to resolve against.
			log.Printf("sync: notion page %s already gone, nothing to delete", notice.NativeID)
			return nil
		}
		return o.record(ctx, notice, DirectionNotionToGCal, "", err)
	}

	// Deletes resolve their counterpart from the cross-ref alone. The
	// page may have lost its date by now; that must not strand the
	// calendar event.
	if notice.Operation == OpDelete || page.Archived {
		gcalID := pageCrossRef(*page, mapping)
		if gcalID == "" {
			return nil
		}
		err := gcal.DeleteEvent(ctx, gcalID)
		return o.recordTitled(ctx, notice, DirectionNotionToGCal, pageTitle(*page, mapping), OpDelete, err)
	}

	ev := NotionPageToEvent(*page, mapping)
	if ev == nil {
		log.Printf("sync: notion page %s has no usable date, skipping", notice.NativeID)
		return nil
	}

	if ev.GCalEventID != "" {
		counterpart, err := gcal.GetEvent(ctx, ev.GCalEventID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return o.recordTitled(ctx, notice, DirectionNotionToGCal, ev.Title, notice.Operation, err)
		}
		if err == nil && counterpart.Status != "cancelled" {
			counterpartEv := GCalEventToEvent(*counterpart)
			if counterpartEv != nil {
				changed := ChangedFields(*ev, *counterpartEv)
				if len(changed) == 0 {
					// Our own last write caused this notice; writing again
					// would bounce the change back forever.
					log.Printf("sync: notion page %s already synced to %s, skipping", page.ID, ev.GCalEventID)
					return nil
				}
				err := gcal.PatchEvent(ctx, ev.GCalEventID, EventToGCalPayload(*ev, changed, false))
				return o.recordTitled(ctx, notice, DirectionNotionToGCal, ev.Title, OpUpdate, err)
			}
		}
		// Stale cross-ref: the counterpart no longer exists, so this is a
		// create, not an update.
	}

	gcalID, err := gcal.InsertEvent(ctx, EventToGCalPayload(*ev, nil, true))
	if err != nil {
		return o.recordTitled(ctx, notice, DirectionNotionToGCal, ev.Title, OpCreate, err)
	}
	// Write the new counterpart's id back into the triggering record. The
	// resulting inbound notice is absorbed by loop prevention.
	backref := Event{GCalEventID: gcalID}
	err = notion.UpdatePage(ctx, page.ID, EventToNotionProperties(backref, mapping, []string{FieldGCalEventID}))
	return o.recordTitled(ctx, notice, DirectionNotionToGCal, ev.Title, OpCreate, err)
}

func (o *Orchestrator) handleGCalNotice(ctx context.Context, notice ChangeNotice, notion NotionClient, gcal GCalClient, mapping FieldMapping) error {
	g, err := gcal.GetEvent(ctx, notice.NativeID)
	if err != nil {
		if notice.Operation == OpDelete && errors.Is(err, ErrNotFound) {
			log.Printf("sync: calendar event %s already gone, nothing to delete", notice.NativeID)
			return nil
		}
		return o.record(ctx, notice, DirectionGCalToNotion, "", err)
	}

	// Cancellation is how the calendar reports deletion.
	if notice.Operation == OpDelete || g.Status == "cancelled" {
		notionPageID := ""
		if g.ExtendedProperties != nil {
			notionPageID = g.ExtendedProperties.Private[notionPageIDKey]
		}
		if notionPageID == "" {
			return nil
		}
		err := notion.ArchivePage(ctx, notionPageID)
		return o.recordTitled(ctx, notice, DirectionGCalToNotion, g.Summary, OpDelete, err)
	}

	ev := GCalEventToEvent(*g)
	if ev == nil {
		log.Printf("sync: calendar event %s is not syncable, skipping", notice.NativeID)
		return nil
	}

	if ev.NotionPageID != "" {
		page, err := notion.GetPage(ctx, ev.NotionPageID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return o.recordTitled(ctx, notice, DirectionGCalToNotion, ev.Title, notice.Operation, err)
		}
		if err == nil && !page.Archived {
			counterpartEv := NotionPageToEvent(*page, mapping)
			if counterpartEv != nil {
				changed := ChangedFields(*ev, *counterpartEv)
				if len(changed) == 0 {
					log.Printf("sync: calendar event %s already synced to %s, skipping", g.ID, ev.NotionPageID)
					return nil
				}
				err := notion.UpdatePage(ctx, ev.NotionPageID, EventToNotionProperties(*ev, mapping, changed))
				return o.recordTitled(ctx, notice, DirectionGCalToNotion, ev.Title, OpUpdate, err)
			}
		}
	}

	pageID, err := notion.CreatePage(ctx, EventToNotionProperties(*ev, mapping, nil))
	if err != nil {
		return o.recordTitled(ctx, notice, DirectionGCalToNotion, ev.Title, OpCreate, err)
	}
	backref := GCalEvent{
		ExtendedProperties: &GCalExtendedProperties{
			Private: map[string]string{notionPageIDKey: pageID},
		},
	}
	err = gcal.PatchEvent(ctx, g.ID, backref)
	return o.recordTitled(ctx, notice, DirectionGCalToNotion, ev.Title, OpCreate, err)
}

func (o *Orchestrator) record(ctx context.Context, notice ChangeNotice, direction Direction, title string, err error) error {
	return o.recordTitled(ctx, notice, direction, title, notice.Operation, err)
}

func (o *Orchestrator) recordTitled(ctx context.Context, notice ChangeNotice, direction Direction, title string, op Operation, err error) error {
	entry := SyncLogEntry{
		Direction:     direction,
		Operation:     op,
		SourceEventID: notice.NativeID,
		Title:         title,
		Status:        SyncStatusSuccess,
	}
	if err != nil {
		entry.Status = SyncStatusFailure
		entry.Error = err.Error()
		log.Printf("sync: %s %s of %s failed: %v", direction, op, notice.NativeID, err)
	}
	if logErr := o.syncLog.Record(ctx, entry); logErr != nil {
		log.Printf("sync: failed to record log entry: %v", logErr)
	}
	return err
}
