package syncengine

import (
	"net/http"
)

// HTTPClientFactory builds real provider clients over HTTP. The factory
// itself is stateless; callers construct clients per operation from the
// credentials resolved at that moment.
type HTTPClientFactory struct {
	NotionOptions NotionClientOptions
	GCalOptions   GCalClientOptions
}

func NewHTTPClientFactory(httpClient *http.Client, retry RetryOptions) *HTTPClientFactory {
	return &HTTPClientFactory{
		NotionOptions: NotionClientOptions{HTTPClient: httpClient, Retry: retry},
		GCalOptions:   GCalClientOptions{HTTPClient: httpClient, Retry: retry},
	}
}

func (f *HTTPClientFactory) Notion(creds NotionCredentials) NotionClient {
	return NewHTTPNotionClient(creds, f.NotionOptions)
}

func (f *HTTPClientFactory) GCal(creds GoogleCredentials) GCalClient {
	return NewHTTPGCalClient(creds, f.GCalOptions)
}
