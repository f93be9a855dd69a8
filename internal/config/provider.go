// Package config resolves runtime settings from three layers: the
// shared KV store (written through the API), an optional settings file,
// and process environment variables. Higher layers win per value, so an
// operator can override a single credential without rewriting the rest.
package config

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/pagebridge/pagebridge/internal/syncengine"
)

const settingsKey = "settings"

// Environment variable names, the lowest-precedence layer.
const (
	EnvNotionToken      = "PAGEBRIDGE_NOTION_TOKEN"
	EnvNotionDatabaseID = "PAGEBRIDGE_NOTION_DATABASE_ID"
	EnvGoogleToken      = "PAGEBRIDGE_GOOGLE_TOKEN"
	EnvGoogleCalendarID = "PAGEBRIDGE_GOOGLE_CALENDAR_ID"
)

// Settings is the serialized shape shared by the KV layer and the
// settings file.
type Settings struct {
	Notion struct {
		APIToken   string `json:"apiToken" yaml:"apiToken"`
		DatabaseID string `json:"databaseId" yaml:"databaseId"`
	} `json:"notion" yaml:"notion"`
	Google struct {
		AccessToken string `json:"accessToken" yaml:"accessToken"`
		CalendarID  string `json:"calendarId" yaml:"calendarId"`
	} `json:"google" yaml:"google"`
	FieldMapping syncengine.FieldMapping `json:"fieldMapping" yaml:"fieldMapping"`
}

// ProviderOptions configures a Provider. File may be nil when no
// settings file is in use; Getenv defaults to os.Getenv.
type ProviderOptions struct {
	File   *FileSource
	Getenv func(string) string
}

// Provider layers the three settings sources. All getters consult the
// KV store fresh on every call so API-side writes take effect without a
// restart.
type Provider struct {
	kv     syncengine.KVStore
	file   *FileSource
	getenv func(string) string
}

func NewProvider(kv syncengine.KVStore, opts ProviderOptions) *Provider {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	return &Provider{kv: kv, file: opts.File, getenv: opts.Getenv}
}

// Notion resolves the document-provider credentials.
func (p *Provider) Notion(ctx context.Context) (syncengine.NotionCredentials, error) {
	stored, err := p.stored(ctx)
	if err != nil {
		return syncengine.NotionCredentials{}, err
	}
	fileS := p.fileSettings()
	return syncengine.NotionCredentials{
		APIToken:   firstNonEmpty(stored.Notion.APIToken, fileS.Notion.APIToken, p.getenv(EnvNotionToken)),
		DatabaseID: firstNonEmpty(stored.Notion.DatabaseID, fileS.Notion.DatabaseID, p.getenv(EnvNotionDatabaseID)),
	}, nil
}

// Google resolves the calendar-provider credentials.
func (p *Provider) Google(ctx context.Context) (syncengine.GoogleCredentials, error) {
	stored, err := p.stored(ctx)
	if err != nil {
		return syncengine.GoogleCredentials{}, err
	}
	fileS := p.fileSettings()
	return syncengine.GoogleCredentials{
		AccessToken: firstNonEmpty(stored.Google.AccessToken, fileS.Google.AccessToken, p.getenv(EnvGoogleToken)),
		CalendarID:  firstNonEmpty(stored.Google.CalendarID, fileS.Google.CalendarID, p.getenv(EnvGoogleCalendarID)),
	}, nil
}

// Mapping resolves the field mapping. The first layer that defines one
// wins whole, not per field; with none configured the defaults apply.
func (p *Provider) Mapping(ctx context.Context) (syncengine.FieldMapping, error) {
	stored, err := p.stored(ctx)
	if err != nil {
		return nil, err
	}
	if len(stored.FieldMapping) > 0 {
		return stored.FieldMapping, nil
	}
	if fileS := p.fileSettings(); len(fileS.FieldMapping) > 0 {
		return fileS.FieldMapping, nil
	}
	return syncengine.DefaultFieldMapping(), nil
}

// SetMapping persists a new field mapping into the KV layer, keeping
// whatever other stored settings exist.
func (p *Provider) SetMapping(ctx context.Context, mapping syncengine.FieldMapping) error {
	if err := mapping.Validate(); err != nil {
		return err
	}
	stored, err := p.stored(ctx)
	if err != nil {
		return err
	}
	stored.FieldMapping = mapping
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return p.kv.Set(ctx, settingsKey, raw, 0)
}

func (p *Provider) stored(ctx context.Context) (Settings, error) {
	var s Settings
	raw, ok, err := p.kv.Get(ctx, settingsKey)
	if err != nil {
		return s, err
	}
	if !ok {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		// A corrupt record should not take configuration down with it;
		// the lower layers still resolve.
		log.Printf("config: ignoring unreadable stored settings: %v", err)
		return Settings{}, nil
	}
	return s, nil
}

func (p *Provider) fileSettings() Settings {
	if p.file == nil {
		return Settings{}
	}
	return p.file.Current()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
