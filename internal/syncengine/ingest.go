package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	channelKey   = "gcal:channel"
	syncTokenKey = "gcal:synctoken"

	// Providers redeliver webhooks aggressively; anything seen within
	// this window is the same delivery.
	dedupeTTL = 5 * time.Minute
)

// NotionWebhookEvent is the parsed body of a Notion webhook delivery.
type NotionWebhookEvent struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Entity struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
}

// GCalWebhookHeaders carries the X-Goog-* header values of a calendar
// push notification. The body of these notifications is empty; all
// signal is in the headers.
type GCalWebhookHeaders struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
	MessageNumber string
}

// NoticeHandler consumes the ChangeNotices an Ingestor produces. The
// Orchestrator is the production implementation.
type NoticeHandler interface {
	HandleNotice(ctx context.Context, notice ChangeNotice) error
}

// Ingestor turns raw webhook deliveries into ChangeNotices and hands
// them to the handler. Duplicate deliveries are claimed in the KV
// store and suppressed before any provider call is made.
type Ingestor struct {
	kv       KVStore
	factory  ProviderClientFactory
	settings SettingsSource
	handler  NoticeHandler
	dispatch func(func())
	now      func() time.Time
}

// IngestorOptions configures an Ingestor. Dispatch defaults to running
// in a fresh goroutine; tests set it to a synchronous call.
type IngestorOptions struct {
	Dispatch func(func())
	Now      func() time.Time
}

func NewIngestor(kv KVStore, factory ProviderClientFactory, settings SettingsSource, handler NoticeHandler, opts IngestorOptions) *Ingestor {
	if opts.Dispatch == nil {
		opts.Dispatch = func(fn func()) { go fn() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingestor{kv: kv, factory: factory, settings: settings, handler: handler, dispatch: opts.Dispatch, now: opts.Now}
}

// gcalClient resolves the calendar client from the current settings, so
// credential edits apply to the next delivery.
func (ing *Ingestor) gcalClient(ctx context.Context) (GCalClient, error) {
	creds, err := ing.settings.Google(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving google settings: %w", err)
	}
	return ing.factory.GCal(creds), nil
}

// IngestNotion processes a parsed Notion webhook event. Events that do
// not describe a page change are ignored.
func (ing *Ingestor) IngestNotion(ctx context.Context, event NotionWebhookEvent) error {
	if event.Entity.Type != "page" || event.Entity.ID == "" {
		log.Printf("ingest: ignoring notion event %q for entity type %q", event.Type, event.Entity.Type)
		return nil
	}

	var op Operation
	switch {
	case event.Type == "page.created":
		op = OpCreate
	case event.Type == "page.deleted", event.Type == "page.moved":
		op = OpDelete
	case strings.HasPrefix(event.Type, "page."):
		op = OpUpdate
	default:
		log.Printf("ingest: ignoring notion event type %q", event.Type)
		return nil
	}

	dedupeKey := ""
	if event.ID != "" {
		dedupeKey = "dedupe:notion:" + event.ID
		claimed, err := ing.claim(ctx, dedupeKey)
		if err != nil {
			return err
		}
		if !claimed {
			return fmt.Errorf("notion event %s: %w", event.ID, ErrDuplicateMessage)
		}
	}

	notice := ChangeNotice{
		Source:     SourceNotion,
		Operation:  op,
		NativeID:   event.Entity.ID,
		ReceivedAt: ing.now().UTC(),
		DedupeKey:  dedupeKey,
	}
	ing.dispatch(func() {
		if err := ing.handler.HandleNotice(context.Background(), notice); err != nil {
			log.Printf("ingest: notion notice %s failed: %v", notice.NativeID, err)
		}
	})
	return nil
}

// IngestGCal processes a calendar push notification. The notification
// names no events, so an accepted delivery triggers an incremental
// fetch against the stored sync token and each returned event becomes
// its own notice.
func (ing *Ingestor) IngestGCal(ctx context.Context, hdr GCalWebhookHeaders) error {
	stored, ok, err := ing.kv.Get(ctx, channelKey)
	if err != nil {
		return err
	}
	storedID, _, _ := strings.Cut(string(stored), "|")
	if !ok || storedID != hdr.ChannelID {
		return fmt.Errorf("channel %s: %w", hdr.ChannelID, ErrUnknownChannel)
	}

	// The first message on a new channel confirms the registration and
	// names no changes.
	if hdr.ResourceState == "sync" {
		log.Printf("ingest: channel %s confirmed", hdr.ChannelID)
		return nil
	}

	dedupeKey := fmt.Sprintf("dedupe:gcal:%s:%s", hdr.ChannelID, hdr.MessageNumber)
	claimed, err := ing.claim(ctx, dedupeKey)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("channel %s message %s: %w", hdr.ChannelID, hdr.MessageNumber, ErrDuplicateMessage)
	}

	ing.dispatch(func() {
		if err := ing.syncFromToken(context.Background(), dedupeKey); err != nil {
			log.Printf("ingest: incremental calendar fetch failed: %v", err)
		}
	})
	return nil
}

// RegisterChannel opens a push channel for the calendar and remembers
// its id so inbound notifications can be matched against it. Any
// previously registered channel is stopped first.
func (ing *Ingestor) RegisterChannel(ctx context.Context, address string) (*GCalChannel, error) {
	gcal, err := ing.gcalClient(ctx)
	if err != nil {
		return nil, err
	}
	if prev, ok, err := ing.kv.Get(ctx, channelKey); err == nil && ok {
		prevID, prevResource, _ := strings.Cut(string(prev), "|")
		if err := gcal.StopChannel(ctx, prevID, prevResource); err != nil {
			log.Printf("ingest: stopping previous channel %s: %v", prevID, err)
		}
	}

	channel, err := gcal.Watch(ctx, uuid.NewString(), address)
	if err != nil {
		return nil, err
	}
	record := channel.ChannelID + "|" + channel.ResourceID
	if err := ing.kv.Set(ctx, channelKey, []byte(record), 0); err != nil {
		return nil, err
	}
	return channel, nil
}

func (ing *Ingestor) claim(ctx context.Context, key string) (bool, error) {
	return ing.kv.SetIfEqual(ctx, key, nil, []byte("1"), dedupeTTL)
}

func (ing *Ingestor) syncFromToken(ctx context.Context, dedupeKey string) error {
	gcal, err := ing.gcalClient(ctx)
	if err != nil {
		return err
	}

	token := ""
	if raw, ok, err := ing.kv.Get(ctx, syncTokenKey); err != nil {
		return err
	} else if ok {
		token = string(raw)
	}

	events, next, err := gcal.ListEventsSince(ctx, token)
	if err != nil && token != "" && errors.Is(err, ErrSyncTokenInvalid) {
		// The token aged out; restart from scratch. The full fetch
		// returns a fresh token for the next delivery.
		log.Printf("ingest: sync token expired, refetching from scratch")
		events, next, err = gcal.ListEventsSince(ctx, "")
	}
	if err != nil {
		return err
	}
	if next != "" {
		if err := ing.kv.Set(ctx, syncTokenKey, []byte(next), 0); err != nil {
			return err
		}
	}

	for _, g := range events {
		op := OpUpdate
		if g.Status == "cancelled" {
			op = OpDelete
		}
		notice := ChangeNotice{
			Source:     SourceGCal,
			Operation:  op,
			NativeID:   g.ID,
			ReceivedAt: ing.now().UTC(),
			DedupeKey:  dedupeKey,
		}
		if err := ing.handler.HandleNotice(ctx, notice); err != nil {
			log.Printf("ingest: gcal notice %s failed: %v", g.ID, err)
		}
	}
	return nil
}
