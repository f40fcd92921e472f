// Package voicerag is the client SDK for a live voice RAG assistant.
//
// The backend mints room join grants and ingests documents over HTTP; the live
// call itself runs over the realtime room transport in pkg/core/rtc and is
// controlled through the Calls service.
package voicerag

import (
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultBackendURL = "http://localhost:8000"

// Client is the main entry point for the SDK.
type Client struct {
	Token *TokenService
	Docs  *DocsService
	Calls *CallsService

	// Internal
	backendURL string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewClient creates a new client. The backend URL defaults to a local
// development server; override it with WithBackendURL.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		backendURL: defaultBackendURL,
		httpClient: newDefaultHTTPClient(),
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("voicerag"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.backendURL = strings.TrimRight(c.backendURL, "/")

	c.Token = &TokenService{client: c}
	c.Docs = &DocsService{client: c}
	c.Calls = &CallsService{client: c}
	return c
}

// BackendURL returns the configured backend base URL.
func (c *Client) BackendURL() string {
	return c.backendURL
}

func (c *Client) endpoint(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.backendURL + path
}
