// Package webhook implements a Dispatcher that POSTs records as JSON to the
// downstream API configured for each event type.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/shineum/email-monitor/internal/event"
	"github.com/shineum/email-monitor/internal/provider"
	"github.com/shineum/email-monitor/internal/record"
)

// Auth modes for delivering the endpoint credential.
const (
	AuthModeBody   = "body"
	AuthModeHeader = "header"
)

// authField is the JSON body field that carries the credential in body mode.
const authField = "monitorAuth"

// defaultTimeout bounds a single POST when Config.Timeout is zero.
const defaultTimeout = 30 * time.Second

// Config holds the endpoints and credential for creating a Dispatcher.
type Config struct {
	CompanyInviteURL string
	FirmInviteURL    string
	FirmClientsURL   string
	AuthToken        string
	AuthMode         string
	Timeout          time.Duration
}

// Dispatcher POSTs each record once; it does not retry.
type Dispatcher struct {
	endpoints  map[event.Route]string
	authToken  string
	authMode   string
	httpClient *http.Client
}

// New creates a Dispatcher with its own HTTP client.
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewWithClient(cfg, &http.Client{Timeout: timeout})
}

// NewWithClient creates a Dispatcher using client, used for testing.
func NewWithClient(cfg Config, client *http.Client) *Dispatcher {
	mode := cfg.AuthMode
	if mode == "" {
		mode = AuthModeBody
	}
	return &Dispatcher{
		endpoints: map[event.Route]string{
			event.RouteCompanyInvite: cfg.CompanyInviteURL,
			event.RouteFirmInvite:    cfg.FirmInviteURL,
			event.RouteFirmClients:   cfg.FirmClientsURL,
		},
		authToken:  cfg.AuthToken,
		authMode:   mode,
		httpClient: client,
	}
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string {
	return "webhook"
}

// Dispatch POSTs rec to the endpoint for t. Unknown types, missing
// endpoints and empty records are rejected with 400 without any network
// call. A 200 response body is passed through; any other status is reported
// with the endpoint's body, and transport failures are reported as 500.
func (d *Dispatcher) Dispatch(ctx context.Context, t event.Type, rec record.Record) provider.Response {
	if !t.Routable() {
		slog.Warn("could not identify email type", "type", t.String())
		return provider.MessageResponse(http.StatusBadRequest, "Could not identify email type", "")
	}

	url := d.endpoints[event.Lookup(t).Route]
	if url == "" {
		slog.Error("no endpoint configured", "type", t.String())
		return provider.MessageResponse(http.StatusBadRequest, "No endpoint configured for email type", t.String())
	}
	if len(rec) == 0 {
		return provider.MessageResponse(http.StatusBadRequest, "Invalid input: record is empty", "")
	}

	bodyJSON, err := d.marshal(rec)
	if err != nil {
		return provider.MessageResponse(http.StatusInternalServerError, "Failed to serialize record", err.Error())
	}

	resp, err := d.doPost(ctx, url, bodyJSON)
	if err != nil {
		slog.Error("POST request failed",
			"type", t.String(),
			"error", err,
		)
		return provider.MessageResponse(http.StatusInternalServerError, "An error occurred while making the POST request", err.Error())
	}

	if resp.OK() {
		slog.Info("record delivered", "type", t.String(), "status", resp.StatusCode)
	} else {
		slog.Warn("endpoint rejected record",
			"type", t.String(),
			"status", resp.StatusCode,
		)
	}
	return resp
}

// marshal serializes rec, adding the credential in body mode. rec itself is
// not modified.
func (d *Dispatcher) marshal(rec record.Record) ([]byte, error) {
	payload := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		payload[k] = v
	}
	if d.authMode == AuthModeBody && d.authToken != "" {
		payload[authField] = d.authToken
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return b, nil
}

// doPost performs a single HTTP request and reads the full response.
func (d *Dispatcher) doPost(ctx context.Context, url string, bodyJSON []byte) (provider.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyJSON))
	if err != nil {
		return provider.Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.authMode == AuthModeHeader && d.authToken != "" {
		req.Header.Set("Authorization", d.authToken)
	}
	if id := provider.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return provider.Response{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Response{}, fmt.Errorf("failed to read response body: %w", err)
	}

	return provider.Response{StatusCode: resp.StatusCode, Body: string(body)}, nil
}
