package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type NotionClientOptions struct {
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	UserAgent  string
	Retry      RetryOptions
	RateLimit  float64
	RateBurst  int
}

// HTTPNotionClient talks to the document service API. Every call goes
// through the retry executor and a client-side rate limiter.
type HTTPNotionClient struct {
	baseURL    string
	apiVersion string
	token      string
	databaseID string
	userAgent  string
	httpClient *http.Client
	retry      RetryOptions
	limiter    *rate.Limiter
}

func NewHTTPNotionClient(creds NotionCredentials, opts NotionClientOptions) *HTTPNotionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	rateLimit := opts.RateLimit
	if rateLimit <= 0 {
		rateLimit = 3
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 3
	}
	return &HTTPNotionClient{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		token:      strings.TrimSpace(creds.APIToken),
		databaseID: strings.TrimSpace(creds.DatabaseID),
		userAgent:  strings.TrimSpace(opts.UserAgent),
		httpClient: httpClient,
		retry:      opts.Retry,
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), burst),
	}
}

func (c *HTTPNotionClient) GetPage(ctx context.Context, pageID string) (*NotionPage, error) {
	var raw map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/v1/pages/"+pageID, nil, &raw); err != nil {
		return nil, err
	}
	return decodeNotionPage(raw)
}

func (c *HTTPNotionClient) QueryDatabase(ctx context.Context) ([]NotionPage, error) {
	body := map[string]any{
		"filter": map[string]any{
			"property": "Date",
			"date":     map[string]any{"is_not_empty": true},
		},
	}
	var pages []NotionPage
	cursor := ""
	for {
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var raw struct {
			Results    []map[string]any `json:"results"`
			HasMore    bool             `json:"has_more"`
			NextCursor string           `json:"next_cursor"`
		}
		if err := c.doJSON(ctx, http.MethodPost, "/v1/databases/"+c.databaseID+"/query", body, &raw); err != nil {
			return nil, err
		}
		for _, item := range raw.Results {
			page, err := decodeNotionPage(item)
			if err != nil {
				continue
			}
			pages = append(pages, *page)
		}
		if !raw.HasMore || raw.NextCursor == "" {
			return pages, nil
		}
		cursor = raw.NextCursor
	}
}

func (c *HTTPNotionClient) GetDatabaseSchema(ctx context.Context) (SchemaSnapshot, error) {
	var raw struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/databases/"+c.databaseID, nil, &raw); err != nil {
		return nil, err
	}
	schema := SchemaSnapshot{}
	for name, prop := range raw.Properties {
		schema[name] = PropertyType(prop.Type)
	}
	return schema, nil
}

func (c *HTTPNotionClient) CreatePage(ctx context.Context, properties map[string]any) (string, error) {
	body := map[string]any{
		"parent":     map[string]any{"database_id": c.databaseID},
		"properties": properties,
	}
	var raw struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/pages", body, &raw); err != nil {
		return "", err
	}
	if raw.ID == "" {
		return "", &ValidationError{Message: "page create returned no id"}
	}
	return raw.ID, nil
}

func (c *HTTPNotionClient) UpdatePage(ctx context.Context, pageID string, properties map[string]any) error {
	body := map[string]any{"properties": properties}
	return c.doJSON(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, nil)
}

func (c *HTTPNotionClient) ArchivePage(ctx context.Context, pageID string) error {
	body := map[string]any{"archived": true}
	err := c.doJSON(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, nil)
	if err == nil {
		return nil
	}
	// Archiving an already archived page fails validation upstream; the
	// desired end state holds, so report success.
	var ve *ValidationError
	if errors.As(err, &ve) && strings.Contains(ve.Message, "archived") {
		return nil
	}
	var nfe *NotFoundError
	if errors.As(err, &nfe) {
		return nil
	}
	return err
}

func (c *HTTPNotionClient) CreateProperty(ctx context.Context, name string, propertyType PropertyType) error {
	body := map[string]any{
		"properties": map[string]any{
			name: map[string]any{string(propertyType): map[string]any{}},
		},
	}
	return c.doJSON(ctx, http.MethodPatch, "/v1/databases/"+c.databaseID, body, nil)
}

func (c *HTTPNotionClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c.token == "" {
		return &ValidationError{Message: "notion api token is empty"}
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	payload, err := RetryWithBackoff(ctx, c.retry, func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.doOnce(ctx, method, path, bodyBytes)
	})
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *HTTPNotionClient) doOnce(ctx context.Context, method, path string, bodyBytes []byte) ([]byte, error) {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.apiVersion)
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Message: err.Error()}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &NetworkError{Message: readErr.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return payload, nil
	}
	return nil, notionAPIError(resp.StatusCode, payload)
}

func notionAPIError(status int, payload []byte) error {
	code := ""
	message := strings.TrimSpace(string(payload))
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &parsed) == nil {
		code = parsed.Code
		if strings.TrimSpace(parsed.Message) != "" {
			message = parsed.Message
		}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Message: fmt.Sprintf("notion rate limited: %s", message)}
	case status == http.StatusNotFound || code == "object_not_found":
		return &NotFoundError{Resource: "notion page", ID: ""}
	case status >= 500:
		return &NetworkError{Message: fmt.Sprintf("notion server error: status=%d %s", status, message)}
	case code == "validation_error" || status == http.StatusBadRequest:
		return &ValidationError{Message: message}
	default:
		return fmt.Errorf("notion request failed: status=%d code=%s message=%s", status, code, message)
	}
}

func decodeNotionPage(raw map[string]any) (*NotionPage, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return nil, &ValidationError{Message: "page object missing id"}
	}
	archived, _ := raw["archived"].(bool)
	page := &NotionPage{
		ID:         id,
		Archived:   archived,
		Properties: map[string]PropertyValue{},
	}
	props, _ := raw["properties"].(map[string]any)
	for name, v := range props {
		propRaw, ok := v.(map[string]any)
		if !ok {
			continue
		}
		value, ok := parsePropertyValue(propRaw)
		if !ok {
			continue
		}
		page.Properties[name] = value
	}
	return page, nil
}
