// Package engine runs a stored notification email through decoding, markup
// parsing, classification and record building.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/shineum/email-monitor/internal/classify"
	"github.com/shineum/email-monitor/internal/decode"
	"github.com/shineum/email-monitor/internal/event"
	"github.com/shineum/email-monitor/internal/extract"
	"github.com/shineum/email-monitor/internal/markup"
	"github.com/shineum/email-monitor/internal/record"
)

// Result is the outcome of processing one email.
type Result struct {
	Type   event.Type
	Record record.Record

	// SenderEmail is the inviting party's address for invite emails. It is
	// informational and not part of the record.
	SenderEmail string
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	parser markup.Parser
}

// New creates an Engine using p to build document trees. A nil p selects
// markup.HTMLParser.
func New(p markup.Parser) *Engine {
	if p == nil {
		p = markup.HTMLParser{}
	}
	return &Engine{parser: p}
}

// Process decodes raw, classifies it and builds its record. An Unknown type
// is not an error: the result carries an empty record. Errors are returned
// for undecodable input, unparseable markup and extraction faults
// (*record.FaultError).
func (e *Engine) Process(raw []byte) (*Result, error) {
	text, err := decode.Decode(raw)
	if err != nil {
		return nil, err
	}

	doc, err := e.parser.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse email markup: %w", err)
	}

	typ := classify.Classify(doc)
	slog.Debug("email classified", "type", typ.String())

	rec, err := record.Build(typ, doc, text)
	if err != nil {
		return nil, err
	}

	res := &Result{Type: typ, Record: rec}
	if typ.IsInvite() {
		res.SenderEmail, _ = extract.SenderEmail(doc)
	}
	return res, nil
}
