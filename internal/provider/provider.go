// Package provider defines the boundary to the downstream APIs that receive
// extracted records.
package provider

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/shineum/email-monitor/internal/event"
	"github.com/shineum/email-monitor/internal/record"
)

// Response is the outcome reported back to the invocation's caller.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// OK reports whether the downstream call succeeded.
func (r Response) OK() bool {
	return r.StatusCode == 200
}

// Dispatcher is the interface that record delivery backends must implement.
type Dispatcher interface {
	// Dispatch delivers rec to the destination for t. It never returns an
	// error: every failure is described by the Response.
	Dispatch(ctx context.Context, t event.Type, rec record.Record) Response

	// Name returns the human-readable name of this dispatcher.
	Name() string
}

// MessageResponse builds a Response whose body is {"message": msg}, plus
// {"error": detail} when detail is non-empty.
func MessageResponse(status int, msg, detail string) Response {
	body := map[string]string{"message": msg}
	if detail != "" {
		body["error"] = detail
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Response{StatusCode: status, Body: msg}
	}
	return Response{StatusCode: status, Body: string(b)}
}
