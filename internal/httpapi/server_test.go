package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pagebridge/pagebridge/internal/config"
	"github.com/pagebridge/pagebridge/internal/syncengine"
)

const (
	testAPIToken      = "test-token"
	testWebhookSecret = "test-webhook-secret"
)

type fakeNotionClient struct {
	schema       syncengine.SchemaSnapshot
	createdProps []string
	schemaErr    error
}

func (f *fakeNotionClient) GetPage(ctx context.Context, pageID string) (*syncengine.NotionPage, error) {
	return nil, &syncengine.NotFoundError{Resource: "page", ID: pageID}
}

func (f *fakeNotionClient) QueryDatabase(ctx context.Context) ([]syncengine.NotionPage, error) {
	return nil, nil
}

func (f *fakeNotionClient) GetDatabaseSchema(ctx context.Context) (syncengine.SchemaSnapshot, error) {
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	out := syncengine.SchemaSnapshot{}
	for name, typ := range f.schema {
		out[name] = typ
	}
	return out, nil
}

func (f *fakeNotionClient) CreatePage(ctx context.Context, properties map[string]any) (string, error) {
	return "page-1", nil
}

func (f *fakeNotionClient) UpdatePage(ctx context.Context, pageID string, properties map[string]any) error {
	return nil
}

func (f *fakeNotionClient) ArchivePage(ctx context.Context, pageID string) error {
	return nil
}

func (f *fakeNotionClient) CreateProperty(ctx context.Context, name string, propertyType syncengine.PropertyType) error {
	f.createdProps = append(f.createdProps, name)
	if f.schema == nil {
		f.schema = syncengine.SchemaSnapshot{}
	}
	f.schema[name] = propertyType
	return nil
}

type fakeGCalClient struct {
	watched []string
	stopped []string
}

func (f *fakeGCalClient) GetEvent(ctx context.Context, eventID string) (*syncengine.GCalEvent, error) {
	return nil, &syncengine.NotFoundError{Resource: "event", ID: eventID}
}

func (f *fakeGCalClient) ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]syncengine.GCalEvent, error) {
	return nil, nil
}

func (f *fakeGCalClient) ListEventsSince(ctx context.Context, syncToken string) ([]syncengine.GCalEvent, string, error) {
	return nil, "token-1", nil
}

func (f *fakeGCalClient) InsertEvent(ctx context.Context, event syncengine.GCalEvent) (string, error) {
	return "gcal-1", nil
}

func (f *fakeGCalClient) PatchEvent(ctx context.Context, eventID string, event syncengine.GCalEvent) error {
	return nil
}

func (f *fakeGCalClient) DeleteEvent(ctx context.Context, eventID string) error {
	return nil
}

func (f *fakeGCalClient) Watch(ctx context.Context, channelID, address string) (*syncengine.GCalChannel, error) {
	f.watched = append(f.watched, channelID)
	return &syncengine.GCalChannel{
		ChannelID:  channelID,
		ResourceID: "resource-" + channelID,
		Expiration: time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeGCalClient) StopChannel(ctx context.Context, channelID, resourceID string) error {
	f.stopped = append(f.stopped, channelID)
	return nil
}

type fakeFactory struct {
	notion *fakeNotionClient
	gcal   *fakeGCalClient
}

func (f *fakeFactory) Notion(creds syncengine.NotionCredentials) syncengine.NotionClient {
	return f.notion
}

func (f *fakeFactory) GCal(creds syncengine.GoogleCredentials) syncengine.GCalClient {
	return f.gcal
}

type serverFixture struct {
	srv      *Server
	ingestor *syncengine.Ingestor
	syncLog  *syncengine.SyncLog
	notion   *fakeNotionClient
	gcal     *fakeGCalClient
}

func noDispatch(func()) {}

func newTestServer(t *testing.T, cfg ServerConfig) *serverFixture {
	t.Helper()
	if cfg.APIToken == "" {
		cfg.APIToken = testAPIToken
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = testWebhookSecret
	}

	kv := syncengine.NewMemoryKVStore()
	notion := &fakeNotionClient{schema: syncengine.SchemaSnapshot{
		"Title": syncengine.PropertyTitle,
		"Date":  syncengine.PropertyDate,
	}}
	gcal := &fakeGCalClient{}
	syncLog := syncengine.NewSyncLog(syncengine.NewMemorySyncLogStore(100))
	settings := config.NewProvider(kv, config.ProviderOptions{Getenv: func(string) string { return "" }})
	factory := &fakeFactory{notion: notion, gcal: gcal}
	orch := syncengine.NewOrchestrator(factory, settings, syncLog)
	ingestor := syncengine.NewIngestor(kv, factory, settings, orch, syncengine.IngestorOptions{Dispatch: noDispatch})
	backfill := syncengine.NewBackfillService(kv, factory, settings, syncengine.BackfillOptions{Dispatch: noDispatch})

	srv := NewServer(ingestor, backfill, syncLog, settings, factory, cfg)
	return &serverFixture{srv: srv, ingestor: ingestor, syncLog: syncLog, notion: notion, gcal: gcal}
}

func signNotionBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func notionEventBody(eventID, eventType, pageID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"entity":{"id":%q,"type":"page"}}`, eventID, eventType, pageID))
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	rec := doRequest(t, f.srv, http.MethodGet, "/health", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ok" {
		t.Errorf("status field = %v", got)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	rec := doRequest(t, f.srv, http.MethodGet, "/v1/nope", testAPIToken, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	f := newTestServer(t, ServerConfig{})

	rec := doRequest(t, f.srv, http.MethodGet, "/v1/sync/log", "", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}
	rec = doRequest(t, f.srv, http.MethodGet, "/v1/sync/log", "wrong-token", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", rec.Code)
	}
	rec = doRequest(t, f.srv, http.MethodGet, "/v1/sync/log", testAPIToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestNotionWebhookVerificationHandshake(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	body := []byte(`{"verification_token":"vt-123"}`)
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/notion", "", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["verificationToken"]; got != "vt-123" {
		t.Errorf("verificationToken = %v", got)
	}
}

func TestNotionWebhookRejectsBadSignature(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	body := notionEventBody("evt-1", "page.created", "page-1")

	rec := doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/notion", "", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing signature: status = %d", rec.Code)
	}
	rec = doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/notion", "", body, map[string]string{
		"X-Notion-Signature": "sha256=" + strings.Repeat("0", 64),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged signature: status = %d", rec.Code)
	}
}

func TestNotionWebhookAcceptsSignedEvent(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	body := notionEventBody("evt-1", "page.created", "page-1")
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/notion", "", body, map[string]string{
		"X-Notion-Signature": signNotionBody(body),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["status"]; got != "accepted" {
		t.Errorf("status field = %v", got)
	}
}

func TestNotionWebhookSuppressesDuplicateDelivery(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	body := notionEventBody("evt-dup", "page.content_updated", "page-1")
	headers := map[string]string{"X-Notion-Signature": signNotionBody(body)}

	rec := doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/notion", "", body, headers)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery: status = %d", rec.Code)
	}
	rec = doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/notion", "", body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery: status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "duplicate" {
		t.Errorf("status field = %v", got)
	}
}

func TestNotionWebhookRejectsMalformedEvent(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	body := []byte(`{"id":"evt-1","type":"page.created"}`)
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/notion", "", body, map[string]string{
		"X-Notion-Signature": signNotionBody(body),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGCalWebhookRequiresChannelHeader(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/gcal", "", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestGCalWebhookRejectsUnknownChannel(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/gcal", "", nil, map[string]string{
		"X-Goog-Channel-ID":     "ch-never-registered",
		"X-Goog-Resource-State": "exists",
		"X-Goog-Message-Number": "1",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["code"]; got != "unknown_channel" {
		t.Errorf("code = %v", got)
	}
}

func TestGCalWebhookLifecycle(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	channel, err := f.ingestor.RegisterChannel(context.Background(), "https://example.com/hooks/gcal")
	if err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}

	headers := func(state, msg string) map[string]string {
		return map[string]string{
			"X-Goog-Channel-ID":     channel.ChannelID,
			"X-Goog-Resource-ID":    channel.ResourceID,
			"X-Goog-Resource-State": state,
			"X-Goog-Message-Number": msg,
		}
	}

	rec := doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/gcal", "", nil, headers("sync", "1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync confirmation: status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "confirmed" {
		t.Errorf("sync status field = %v", got)
	}

	rec = doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/gcal", "", nil, headers("exists", "2"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("change notification: status = %d", rec.Code)
	}

	rec = doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/gcal", "", nil, headers("exists", "2"))
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery: status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "duplicate" {
		t.Errorf("redelivery status field = %v", got)
	}
}

func TestWatchRegisterReturnsChannel(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	body := []byte(`{"address":"https://example.com/hooks/gcal"}`)
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/setup/watch", testAPIToken, body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	if resp["channelId"] == "" || resp["resourceId"] == "" {
		t.Errorf("incomplete channel: %v", resp)
	}
	if len(f.gcal.watched) != 1 {
		t.Errorf("watch calls = %d", len(f.gcal.watched))
	}
}

func TestWatchRegisterRequiresAddress(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/setup/watch", testAPIToken, []byte(`{}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMappingGetReturnsDefaultsWhenUnset(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	rec := doRequest(t, f.srv, http.MethodGet, "/v1/setup/field-mapping", testAPIToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	mapping, ok := resp["fieldMapping"].(map[string]any)
	if !ok {
		t.Fatalf("fieldMapping missing: %v", resp)
	}
	title, ok := mapping["title"].(map[string]any)
	if !ok || title["notionPropertyName"] != "Title" {
		t.Errorf("unexpected title mapping: %v", mapping["title"])
	}
}

func TestMappingSetCreatesMissingProperties(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	body := []byte(`{"fieldMapping":{
		"title":{"notionPropertyName":"Title","propertyType":"title","enabled":true},
		"date":{"notionPropertyName":"Date","propertyType":"date","enabled":true},
		"location":{"notionPropertyName":"Where","propertyType":"rich_text","enabled":true}
	}}`)
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/setup/field-mapping", testAPIToken, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	// The cross-ref property is created even though the submitted mapping
	// never names it.
	if len(f.notion.createdProps) != 2 || f.notion.createdProps[0] != "GCal Event ID" || f.notion.createdProps[1] != "Where" {
		t.Errorf("created properties = %v", f.notion.createdProps)
	}

	rec = doRequest(t, f.srv, http.MethodGet, "/v1/setup/field-mapping", testAPIToken, nil, nil)
	mapping, ok := decodeBody(t, rec)["fieldMapping"].(map[string]any)
	if !ok {
		t.Fatal("fieldMapping missing after set")
	}
	location, ok := mapping["location"].(map[string]any)
	if !ok || location["notionPropertyName"] != "Where" {
		t.Errorf("mapping not persisted: %v", mapping)
	}
}

func TestMappingSetReportsTypeConflict(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	f.notion.schema["Where"] = syncengine.PropertyNumber

	body := []byte(`{"fieldMapping":{
		"title":{"notionPropertyName":"Title","propertyType":"title","enabled":true},
		"date":{"notionPropertyName":"Date","propertyType":"date","enabled":true},
		"location":{"notionPropertyName":"Where","propertyType":"rich_text","enabled":true}
	}}`)
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/setup/field-mapping", testAPIToken, body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	if resp["code"] != "mapping_conflict" {
		t.Errorf("code = %v", resp["code"])
	}
	conflicts, ok := resp["conflicts"].([]any)
	if !ok || len(conflicts) != 1 {
		t.Errorf("conflicts = %v", resp["conflicts"])
	}
	if len(f.notion.createdProps) != 0 {
		t.Errorf("no properties may be created on conflict, got %v", f.notion.createdProps)
	}
}

func TestMappingSetRejectsInvalidBody(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	cases := []struct {
		name string
		body string
	}{
		{"missing fieldMapping", `{}`},
		{"empty mapping", `{"fieldMapping":{}}`},
		{"missing property name", `{"fieldMapping":{"title":{"propertyType":"title"}}}`},
		{"missing required date", `{"fieldMapping":{"title":{"notionPropertyName":"Title"}}}`},
		{"unknown field", `{"fieldMapping":{"title":{"notionPropertyName":"Title"},"date":{"notionPropertyName":"Date"},"priority":{"notionPropertyName":"Pri"}}}`},
	}
	for _, tc := range cases {
		rec := doRequest(t, f.srv, http.MethodPost, "/v1/setup/field-mapping", testAPIToken, []byte(tc.body), nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, body = %s", tc.name, rec.Code, rec.Body.String())
		}
	}
}

func TestBackfillStartAndConflict(t *testing.T) {
	f := newTestServer(t, ServerConfig{})

	rec := doRequest(t, f.srv, http.MethodPost, "/v1/sync/backfill", testAPIToken, []byte(`{"fields":["attendees"]}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["status"]; got != "running" {
		t.Errorf("progress status = %v", got)
	}

	rec = doRequest(t, f.srv, http.MethodPost, "/v1/sync/backfill", testAPIToken, nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start: status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["code"]; got != "already_running" {
		t.Errorf("code = %v", got)
	}

	rec = doRequest(t, f.srv, http.MethodGet, "/v1/sync/backfill", testAPIToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "running" {
		t.Errorf("reported status = %v", got)
	}
}

func TestBackfillStartRejectsUnknownField(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/sync/backfill", testAPIToken, []byte(`{"fields":["priority"]}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSyncLogReturnsRecentEntries(t *testing.T) {
	f := newTestServer(t, ServerConfig{})

	rec := doRequest(t, f.srv, http.MethodGet, "/v1/sync/log", testAPIToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	entries, ok := decodeBody(t, rec)["entries"].([]any)
	if !ok || len(entries) != 0 {
		t.Errorf("empty log should serialize as [], got %v", entries)
	}

	err := f.syncLog.Record(context.Background(), syncengine.SyncLogEntry{
		Direction:     syncengine.DirectionNotionToGCal,
		Operation:     syncengine.OpCreate,
		SourceEventID: "page-1",
		Title:         "Standup",
		Status:        syncengine.SyncStatusSuccess,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	rec = doRequest(t, f.srv, http.MethodGet, "/v1/sync/log?limit=10", testAPIToken, nil, nil)
	entries, _ = decodeBody(t, rec)["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %v", entries)
	}
	first := entries[0].(map[string]any)
	if first["title"] != "Standup" || first["status"] != "success" {
		t.Errorf("unexpected entry: %v", first)
	}
}

func TestRateLimitExceededReturns429(t *testing.T) {
	f := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		rec := doRequest(t, f.srv, http.MethodGet, "/v1/sync/log", testAPIToken, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}
	rec := doRequest(t, f.srv, http.MethodGet, "/v1/sync/log", testAPIToken, nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestOversizedBodyReturns413(t *testing.T) {
	f := newTestServer(t, ServerConfig{MaxBodyBytes: 64})
	body := []byte(`{"verification_token":"` + strings.Repeat("x", 256) + `"}`)
	rec := doRequest(t, f.srv, http.MethodPost, "/v1/webhooks/notion", "", body, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestErrorResponsesEchoCorrelationID(t *testing.T) {
	f := newTestServer(t, ServerConfig{})
	rec := doRequest(t, f.srv, http.MethodGet, "/v1/sync/log", "", nil, map[string]string{
		"X-Correlation-Id": "corr-42",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["correlationId"]; got != "corr-42" {
		t.Errorf("correlationId = %v", got)
	}
}
