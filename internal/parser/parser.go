// Package parser reads the RFC 5322 header block of a stored notification
// email.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/shineum/email-monitor/internal/email"
)

func init() {
	message.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// ParseEnvelope parses the header block of raw. Individual header fields
// that cannot be decoded are logged and left empty; only an unreadable
// header block is an error.
func ParseEnvelope(raw []byte) (*email.Envelope, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	env := &email.Envelope{}

	if env.Subject, err = h.Subject(); err != nil {
		slog.Warn("failed to decode subject", "error", err)
		env.Subject = h.Get("Subject")
	}

	if env.MessageID, err = h.MessageID(); err != nil {
		slog.Warn("failed to parse message id", "error", err)
	}

	env.From = h.Get("From")
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		env.FromAddress = from[0].Address
		if from[0].Name != "" {
			env.From = from[0].Name
		}
	}

	if to, err := h.AddressList("To"); err == nil {
		for _, addr := range to {
			env.To = append(env.To, addr.Address)
		}
	}

	if date, err := h.Date(); err == nil {
		env.Date = date
	}

	return env, nil
}
