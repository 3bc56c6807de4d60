// Package forward sends emails the engine could not classify to an operator
// mailbox via AWS SES v2, so template changes on the platform side are
// noticed instead of silently dropped.
package forward

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/email-monitor/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 2

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 200 * time.Millisecond

// Config holds the configuration for creating a Forwarder.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	To              []string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Forwarder mails unroutable emails, with the original attached, to a fixed
// set of recipients.
type Forwarder struct {
	sender string
	to     []string
	client SendEmailAPI
}

// New creates a Forwarder with the given configuration.
func New(ctx context.Context, cfg Config) (*Forwarder, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, cfg.To, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Forwarder with a custom client, used for testing.
func NewWithClient(sender string, to []string, client SendEmailAPI) *Forwarder {
	return &Forwarder{
		sender: sender,
		to:     to,
		client: client,
	}
}

// Forward mails a summary of the unroutable email stored at source, with
// raw attached as original.eml.
func (f *Forwarder) Forward(ctx context.Context, source string, env *email.Envelope, raw []byte) error {
	msg := buildMessage(f.sender, f.to, source, env, raw)

	data, err := buildRawMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to build raw message: %w", err)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(f.sender),
		Destination:      &types.Destination{ToAddresses: f.to},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: data},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := f.client.SendEmail(ctx, input)
		if err == nil {
			slog.Info("forwarded unroutable email", "source", source, "to", strings.Join(f.to, ","))
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// buildMessage assembles the operator notification for one unroutable email.
func buildMessage(sender string, to []string, source string, env *email.Envelope, raw []byte) *email.Message {
	if env == nil {
		env = &email.Envelope{}
	}

	var b strings.Builder
	b.WriteString("An email could not be classified and was not forwarded to any API.\n\n")
	fmt.Fprintf(&b, "Source: %s\n", source)
	fmt.Fprintf(&b, "From: %s\n", env.From)
	fmt.Fprintf(&b, "Subject: %s\n", env.Subject)
	if env.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", env.MessageID)
	}
	if !env.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", env.Date.Format(time.RFC1123Z))
	}

	subject := "Unroutable notification email"
	if env.Subject != "" {
		subject += ": " + env.Subject
	}

	return &email.Message{
		From:     sender,
		To:       to,
		Subject:  subject,
		TextBody: b.String(),
		Attachments: []email.Attachment{{
			Filename:    "original.eml",
			ContentType: "application/octet-stream",
			Content:     raw,
		}},
	}
}

// buildRawMessage constructs a raw MIME message with attachments.
func buildRawMessage(msg *email.Message) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	bodyHeader := make(textproto.MIMEHeader)
	bodyHeader.Set("Content-Type", "text/plain; charset=UTF-8")
	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	part.Write([]byte(msg.TextBody))

	for _, att := range msg.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.ContentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%s", mime.QEncoding.Encode("UTF-8", att.Filename)))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		part.Write([]byte(encodeBase64WithLineBreaks(att.Content)))
	}

	writer.Close()
	return buf.Bytes(), nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(attempt int) time.Duration {
	return baseRetryDelay << attempt
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
