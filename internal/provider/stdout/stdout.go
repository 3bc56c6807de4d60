// Package stdout implements a Dispatcher that prints records instead of
// sending them, for local runs and dry runs.
package stdout

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/shineum/email-monitor/internal/event"
	"github.com/shineum/email-monitor/internal/provider"
	"github.com/shineum/email-monitor/internal/record"
)

// Dispatcher prints records in a human-readable format.
type Dispatcher struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a stdout Dispatcher that writes to os.Stdout.
func New() *Dispatcher {
	return &Dispatcher{writer: os.Stdout}
}

// NewWithWriter creates a stdout Dispatcher that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Dispatcher {
	return &Dispatcher{writer: w}
}

// Dispatch prints rec. Unknown types and empty records are rejected with
// 400 as the webhook dispatcher does; everything else reports 200 with the
// printed JSON as the body.
func (d *Dispatcher) Dispatch(_ context.Context, t event.Type, rec record.Record) provider.Response {
	if !t.Routable() {
		return provider.MessageResponse(http.StatusBadRequest, "Could not identify email type", "")
	}
	if len(rec) == 0 {
		return provider.MessageResponse(http.StatusBadRequest, "Invalid input: record is empty", "")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return provider.MessageResponse(http.StatusInternalServerError, "Failed to serialize record", err.Error())
	}

	var b strings.Builder
	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Type: %s\n", t))
	b.WriteString("Record:\n")
	b.Write(data)
	b.WriteString("\n========================================\n")

	// A failed write does not fail the dispatch.
	_, _ = fmt.Fprint(d.writer, b.String())

	return provider.Response{StatusCode: http.StatusOK, Body: string(data)}
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string {
	return "stdout"
}
