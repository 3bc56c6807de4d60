// Package email defines the header envelope of a stored notification email
// and the outgoing message model used when forwarding one.
package email

import "time"

// Envelope holds header metadata of a stored notification email. It is used
// for logging, duplicate detection and forwarding; classification never
// depends on it.
type Envelope struct {
	From        string
	FromAddress string
	To          []string
	Subject     string
	MessageID   string
	Date        time.Time
}

// Message is an outgoing email.
type Message struct {
	From        string
	To          []string
	Subject     string
	TextBody    string
	Attachments []Attachment
}

// Attachment represents a file attached to an outgoing message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
