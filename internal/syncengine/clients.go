package syncengine

import (
	"context"
	"time"
)

// NotionCredentials and GoogleCredentials carry provider access
// configuration explicitly; clients are built from them by a factory,
// never read from ambient globals.
type NotionCredentials struct {
	APIToken   string
	DatabaseID string
}

type GoogleCredentials struct {
	AccessToken string
	CalendarID  string
}

type NotionClient interface {
	GetPage(ctx context.Context, pageID string) (*NotionPage, error)
	QueryDatabase(ctx context.Context) ([]NotionPage, error)
	GetDatabaseSchema(ctx context.Context) (SchemaSnapshot, error)
	CreatePage(ctx context.Context, properties map[string]any) (string, error)
	UpdatePage(ctx context.Context, pageID string, properties map[string]any) error
	// ArchivePage deletes a page by archiving it; archiving an already
	// archived page is success, not failure.
	ArchivePage(ctx context.Context, pageID string) error
	CreateProperty(ctx context.Context, name string, propertyType PropertyType) error
}

// GCalChannel describes a push-notification channel registration.
type GCalChannel struct {
	ChannelID  string    `json:"channelId"`
	ResourceID string    `json:"resourceId"`
	Expiration time.Time `json:"expiration"`
}

type GCalClient interface {
	GetEvent(ctx context.Context, eventID string) (*GCalEvent, error)
	ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]GCalEvent, error)
	// ListEventsSince performs an incremental fetch. ErrSyncTokenInvalid
	// signals that the caller must fall back to a full-window fetch.
	ListEventsSince(ctx context.Context, syncToken string) ([]GCalEvent, string, error)
	InsertEvent(ctx context.Context, event GCalEvent) (string, error)
	PatchEvent(ctx context.Context, eventID string, event GCalEvent) error
	// DeleteEvent tolerates an already removed event as success.
	DeleteEvent(ctx context.Context, eventID string) error
	Watch(ctx context.Context, channelID, address string) (*GCalChannel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}

// ProviderClientFactory builds provider clients from explicit
// credentials. Holders keep it request-scoped so a settings change takes
// effect on the next operation without any global reset.
type ProviderClientFactory interface {
	Notion(creds NotionCredentials) NotionClient
	GCal(creds GoogleCredentials) GCalClient
}

// SettingsSource yields the effective runtime settings. The engine
// resolves it once per operation rather than at construction, so edits
// to credentials or the field mapping apply to the next notice without
// a restart.
type SettingsSource interface {
	Notion(ctx context.Context) (NotionCredentials, error)
	Google(ctx context.Context) (GoogleCredentials, error)
	Mapping(ctx context.Context) (FieldMapping, error)
}
