// Package handler turns a storage trigger event into dispatched records.
// It is the body of the Lambda function and of the local parse command.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/shineum/email-monitor/internal/dedup"
	"github.com/shineum/email-monitor/internal/email"
	"github.com/shineum/email-monitor/internal/engine"
	"github.com/shineum/email-monitor/internal/event"
	"github.com/shineum/email-monitor/internal/parser"
	"github.com/shineum/email-monitor/internal/provider"
	"github.com/shineum/email-monitor/internal/record"
	"github.com/shineum/email-monitor/internal/storage"
)

// settleTimeout bounds the guard update made after dispatch.
const settleTimeout = 2 * time.Second

// Fetcher supplies raw email bytes for a stored object.
type Fetcher interface {
	Fetch(ctx context.Context, ref storage.ObjectRef) ([]byte, error)
}

// Forwarder receives emails that could not be classified.
type Forwarder interface {
	Forward(ctx context.Context, source string, env *email.Envelope, raw []byte) error
}

// Config holds the collaborators of a Handler. Forwarder and Guard are
// optional.
type Config struct {
	Fetcher    Fetcher
	Engine     *engine.Engine
	Dispatcher provider.Dispatcher
	Forwarder  Forwarder
	Guard      dedup.Guard
}

// Handler processes stored notification emails one invocation at a time.
type Handler struct {
	fetcher    Fetcher
	engine     *engine.Engine
	dispatcher provider.Dispatcher
	forwarder  Forwarder
	guard      dedup.Guard
}

// New creates a Handler. A nil Engine selects engine.New(nil).
func New(cfg Config) *Handler {
	eng := cfg.Engine
	if eng == nil {
		eng = engine.New(nil)
	}
	return &Handler{
		fetcher:    cfg.Fetcher,
		engine:     eng,
		dispatcher: cfg.Dispatcher,
		forwarder:  cfg.Forwarder,
		guard:      cfg.Guard,
	}
}

// Handle processes every object named by evt. It reports the first non-200
// response, or the last response when all succeed. The returned error is
// always nil: failures are described by the response.
func (h *Handler) Handle(ctx context.Context, evt events.S3Event) (provider.Response, error) {
	id := uuid.NewString()
	ctx = provider.WithRequestID(ctx, id)
	logger := slog.With("invocation_id", id)

	refs, err := storage.RefsFromEvent(evt)
	if err != nil {
		logger.Error("malformed trigger event", "error", err)
		return provider.MessageResponse(http.StatusBadRequest, "Malformed trigger event", err.Error()), nil
	}

	var (
		last   provider.Response
		failed *provider.Response
	)
	for _, ref := range refs {
		log := logger.With("source", ref.String())

		resp := h.fetchAndProcess(ctx, log, ref)
		if !resp.OK() && failed == nil {
			r := resp
			failed = &r
		}
		last = resp
	}

	if failed != nil {
		return *failed, nil
	}
	return last, nil
}

// Process runs one raw email through the pipeline. source identifies the
// email in logs and forwarded notices.
func (h *Handler) Process(ctx context.Context, source string, raw []byte) provider.Response {
	id := provider.RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
		ctx = provider.WithRequestID(ctx, id)
	}
	return h.process(ctx, slog.With("invocation_id", id, "source", source), source, raw)
}

func (h *Handler) fetchAndProcess(ctx context.Context, log *slog.Logger, ref storage.ObjectRef) provider.Response {
	if h.fetcher == nil {
		return provider.MessageResponse(http.StatusInternalServerError, "No storage configured", "")
	}
	raw, err := h.fetcher.Fetch(ctx, ref)
	if err != nil {
		log.Error("failed to fetch email", "error", err)
		return provider.MessageResponse(http.StatusInternalServerError, "Failed to fetch email", err.Error())
	}
	log.Debug("fetched email", "size", len(raw))
	return h.process(ctx, log, ref.String(), raw)
}

// process handles one email. Duplicate deliveries are keyed by Message-ID,
// or by source when the email has none.
func (h *Handler) process(ctx context.Context, log *slog.Logger, source string, raw []byte) provider.Response {
	env, err := parser.ParseEnvelope(raw)
	if err != nil {
		log.Warn("failed to parse email header", "error", err)
		env = &email.Envelope{}
	}
	log = log.With("message_id", env.MessageID)

	key := env.MessageID
	if key == "" {
		key = source
	}
	proceed, owned := h.claim(ctx, log, key)
	if !proceed {
		log.Info("duplicate delivery skipped")
		return provider.MessageResponse(http.StatusOK, "Duplicate delivery skipped", "")
	}

	resp := h.classifyAndDispatch(ctx, log, source, env, raw)
	if owned {
		h.settle(ctx, log, key, resp)
	}
	return resp
}

// claim reports whether to process the email and whether this delivery owns
// the claim on key. Guard errors fail open without ownership.
func (h *Handler) claim(ctx context.Context, log *slog.Logger, key string) (proceed, owned bool) {
	if h.guard == nil {
		return true, false
	}
	ok, err := h.guard.Claim(ctx, key)
	if err != nil {
		log.Warn("duplicate guard unavailable, processing anyway", "error", err)
		return true, false
	}
	return ok, ok
}

// settle commits the claim when a redelivery would end the same way and
// releases it when a redelivery could succeed. It runs detached from ctx so
// an expired invocation deadline does not leave the key held.
func (h *Handler) settle(ctx context.Context, log *slog.Logger, key string, resp provider.Response) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if retryable(resp.StatusCode) {
		if err := h.guard.Release(sctx, key); err != nil {
			log.Warn("failed to release claim", "error", err)
		}
		return
	}
	if err := h.guard.Commit(sctx, key); err != nil {
		log.Warn("failed to commit claim", "error", err)
	}
}

// retryable reports whether a redelivery could change the outcome.
func retryable(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
}

func (h *Handler) classifyAndDispatch(ctx context.Context, log *slog.Logger, source string, env *email.Envelope, raw []byte) provider.Response {
	res, err := h.engine.Process(raw)
	if err != nil {
		var fault *record.FaultError
		if errors.As(err, &fault) {
			log.Error("extraction fault",
				"type", fault.Type.String(),
				"error", err,
				"stack", string(fault.Stack),
			)
			return provider.MessageResponse(http.StatusInternalServerError, "Extraction fault", err.Error())
		}
		log.Error("failed to process email", "error", err)
		return provider.MessageResponse(http.StatusInternalServerError, "Failed to process email", err.Error())
	}

	log = log.With("type", res.Type.String())
	if res.SenderEmail != "" {
		log.Info("email classified", "sender_email", res.SenderEmail)
	} else {
		log.Info("email classified")
	}

	if res.Type == event.Unknown && h.forwarder != nil {
		if err := h.forwarder.Forward(ctx, source, env, raw); err != nil {
			log.Error("failed to forward unroutable email", "error", err)
		}
	}

	resp := h.dispatcher.Dispatch(ctx, res.Type, res.Record)
	log.Info("dispatch finished",
		"dispatcher", h.dispatcher.Name(),
		"status", resp.StatusCode,
	)
	return resp
}
