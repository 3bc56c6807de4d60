package handler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/shineum/email-monitor/internal/email"
	"github.com/shineum/email-monitor/internal/engine"
	"github.com/shineum/email-monitor/internal/event"
	"github.com/shineum/email-monitor/internal/markup"
	"github.com/shineum/email-monitor/internal/provider"
	"github.com/shineum/email-monitor/internal/record"
	"github.com/shineum/email-monitor/internal/storage"
)

const inviteMessageID = "invite-123@intuit.com"

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("..", "engine", "testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return raw
}

func s3Event(refs ...storage.ObjectRef) events.S3Event {
	var evt events.S3Event
	for _, ref := range refs {
		var rec events.S3EventRecord
		rec.S3.Bucket.Name = ref.Bucket
		rec.S3.Object.Key = ref.Key
		evt.Records = append(evt.Records, rec)
	}
	return evt
}

type fakeFetcher struct {
	objects map[string][]byte
}

func (f *fakeFetcher) Fetch(_ context.Context, ref storage.ObjectRef) ([]byte, error) {
	raw, ok := f.objects[ref.String()]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return raw, nil
}

type dispatchCall struct {
	typ       event.Type
	rec       record.Record
	requestID string
}

type recordingDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	status int
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, t event.Type, rec record.Record) provider.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{typ: t, rec: rec, requestID: provider.RequestID(ctx)})

	if !t.Routable() {
		return provider.MessageResponse(http.StatusBadRequest, "Could not identify email type", "")
	}
	if d.status != 0 {
		return provider.Response{StatusCode: d.status, Body: "upstream"}
	}
	return provider.Response{StatusCode: http.StatusOK, Body: `{"ok":true}`}
}

func (d *recordingDispatcher) Name() string { return "recording" }

type fakeGuard struct {
	mu        sync.Mutex
	claimed   map[string]bool
	released  []string
	committed []string
	err       error
}

func (g *fakeGuard) Claim(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.claimed == nil {
		g.claimed = map[string]bool{}
	}
	if g.claimed[key] {
		return false, nil
	}
	g.claimed[key] = true
	return true, nil
}

func (g *fakeGuard) Commit(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.committed = append(g.committed, key)
	return nil
}

func (g *fakeGuard) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, key)
	g.released = append(g.released, key)
	return nil
}

// deadlineDispatcher fails like a timed-out POST whenever ctx carries a
// deadline, and succeeds otherwise.
type deadlineDispatcher struct {
	recordingDispatcher
}

func (d *deadlineDispatcher) Dispatch(ctx context.Context, t event.Type, rec record.Record) provider.Response {
	if _, ok := ctx.Deadline(); ok {
		<-ctx.Done()
		d.mu.Lock()
		d.calls = append(d.calls, dispatchCall{typ: t, rec: rec})
		d.mu.Unlock()
		return provider.MessageResponse(http.StatusInternalServerError, "An error occurred while making the POST request", ctx.Err().Error())
	}
	return d.recordingDispatcher.Dispatch(ctx, t, rec)
}

type fakeForwarder struct {
	sources []string
	subject string
	err     error
}

func (f *fakeForwarder) Forward(_ context.Context, source string, env *email.Envelope, _ []byte) error {
	f.sources = append(f.sources, source)
	f.subject = env.Subject
	return f.err
}

type failingParser struct{}

func (failingParser) Parse(string) (markup.Node, error) {
	return nil, errors.New("parse failed")
}

func TestHandle_CompanyInvite(t *testing.T) {
	t.Parallel()
	ref := storage.ObjectRef{Bucket: "mail", Key: "inbox/company invite"}
	disp := &recordingDispatcher{}
	h := New(Config{
		Fetcher:    &fakeFetcher{objects: map[string][]byte{ref.String(): readFixture(t, "company_invite.eml")}},
		Dispatcher: disp,
	})

	resp, err := h.Handle(context.Background(), s3Event(storage.ObjectRef{Bucket: "mail", Key: "inbox/company+invite"}))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200 (body %s)", resp.StatusCode, resp.Body)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(disp.calls))
	}
	call := disp.calls[0]
	if call.typ != event.CompanyInvite {
		t.Errorf("type = %v, want %v", call.typ, event.CompanyInvite)
	}
	if got, _ := call.rec.String(record.KeyCompanyName); got != "Acme Co" {
		t.Errorf("companyName = %q, want %q", got, "Acme Co")
	}
	if call.requestID == "" {
		t.Error("request id not propagated to dispatcher")
	}
}

func TestHandle_MalformedEvent(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	h := New(Config{Fetcher: &fakeFetcher{}, Dispatcher: disp})

	resp, err := h.Handle(context.Background(), events.S3Event{})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatch calls = %d, want 0", len(disp.calls))
	}
}

func TestHandle_FetchError(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	h := New(Config{Fetcher: &fakeFetcher{}, Dispatcher: disp})

	resp, _ := h.Handle(context.Background(), s3Event(storage.ObjectRef{Bucket: "mail", Key: "missing"}))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "NoSuchKey") {
		t.Errorf("Body = %s, want fetch error detail", resp.Body)
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatch calls = %d, want 0", len(disp.calls))
	}
}

func TestHandle_ReportsFirstFailure(t *testing.T) {
	t.Parallel()
	good := storage.ObjectRef{Bucket: "mail", Key: "good"}
	disp := &recordingDispatcher{}
	h := New(Config{
		Fetcher:    &fakeFetcher{objects: map[string][]byte{good.String(): readFixture(t, "company_invite.eml")}},
		Dispatcher: disp,
	})

	resp, _ := h.Handle(context.Background(), s3Event(
		storage.ObjectRef{Bucket: "mail", Key: "missing"},
		good,
	))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if len(disp.calls) != 1 {
		t.Errorf("dispatch calls = %d, want 1 (later records still processed)", len(disp.calls))
	}
}

func TestProcess_UnknownIsForwarded(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	fwd := &fakeForwarder{}
	h := New(Config{Dispatcher: disp, Forwarder: fwd})

	resp := h.Process(context.Background(), "mail/news", readFixture(t, "unknown.eml"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
	if len(fwd.sources) != 1 || fwd.sources[0] != "mail/news" {
		t.Errorf("forwarded sources = %v, want [mail/news]", fwd.sources)
	}
	if fwd.subject != "Monthly news" {
		t.Errorf("forwarded subject = %q, want %q", fwd.subject, "Monthly news")
	}
}

func TestProcess_ForwardErrorDoesNotChangeResponse(t *testing.T) {
	t.Parallel()
	h := New(Config{
		Dispatcher: &recordingDispatcher{},
		Forwarder:  &fakeForwarder{err: errors.New("ses down")},
	})

	resp := h.Process(context.Background(), "mail/news", readFixture(t, "unknown.eml"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
}

func TestProcess_RoutableIsNotForwarded(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{}
	h := New(Config{Dispatcher: &recordingDispatcher{}, Forwarder: fwd})

	h.Process(context.Background(), "mail/invite", readFixture(t, "company_invite.eml"))
	if len(fwd.sources) != 0 {
		t.Errorf("forwarded = %v, want none", fwd.sources)
	}
}

func TestProcess_DuplicateSkipped(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	guard := &fakeGuard{claimed: map[string]bool{inviteMessageID: true}}
	h := New(Config{Dispatcher: disp, Guard: guard})

	resp := h.Process(context.Background(), "mail/invite", readFixture(t, "company_invite.eml"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "Duplicate") {
		t.Errorf("Body = %s, want duplicate notice", resp.Body)
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatch calls = %d, want 0", len(disp.calls))
	}
}

func TestProcess_SecondDeliverySkipped(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	h := New(Config{Dispatcher: disp, Guard: &fakeGuard{}})
	raw := readFixture(t, "company_invite.eml")

	h.Process(context.Background(), "mail/invite", raw)
	h.Process(context.Background(), "mail/invite", raw)
	if len(disp.calls) != 1 {
		t.Errorf("dispatch calls = %d, want 1", len(disp.calls))
	}
}

func TestProcess_ReleasesClaimOnFailure(t *testing.T) {
	t.Parallel()
	guard := &fakeGuard{}
	h := New(Config{Dispatcher: &recordingDispatcher{status: http.StatusBadGateway}, Guard: guard})

	resp := h.Process(context.Background(), "mail/invite", readFixture(t, "company_invite.eml"))
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", resp.StatusCode)
	}
	if len(guard.released) != 1 || guard.released[0] != inviteMessageID {
		t.Errorf("released = %v, want [%s]", guard.released, inviteMessageID)
	}
}

func TestProcess_SourceKeyWithoutMessageID(t *testing.T) {
	t.Parallel()
	guard := &fakeGuard{}
	h := New(Config{Dispatcher: &recordingDispatcher{}, Guard: guard})

	h.Process(context.Background(), "mail/news", readFixture(t, "unknown.eml"))
	if len(guard.committed) != 1 || guard.committed[0] != "mail/news" {
		t.Errorf("committed = %v, want [mail/news]", guard.committed)
	}
}

func TestProcess_CommitsClaimOnSuccess(t *testing.T) {
	t.Parallel()
	guard := &fakeGuard{}
	h := New(Config{Dispatcher: &recordingDispatcher{}, Guard: guard})

	h.Process(context.Background(), "mail/invite", readFixture(t, "company_invite.eml"))
	if len(guard.committed) != 1 || guard.committed[0] != inviteMessageID {
		t.Errorf("committed = %v, want [%s]", guard.committed, inviteMessageID)
	}
	if len(guard.released) != 0 {
		t.Errorf("released = %v, want none", guard.released)
	}
}

func TestProcess_UnknownRedeliveryNotForwardedAgain(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{}
	guard := &fakeGuard{}
	h := New(Config{Dispatcher: &recordingDispatcher{}, Forwarder: fwd, Guard: guard})
	raw := readFixture(t, "unknown.eml")

	first := h.Process(context.Background(), "mail/news", raw)
	if first.StatusCode != http.StatusBadRequest {
		t.Errorf("first StatusCode = %d, want 400", first.StatusCode)
	}
	second := h.Process(context.Background(), "mail/news", raw)
	if second.StatusCode != http.StatusOK {
		t.Errorf("second StatusCode = %d, want 200", second.StatusCode)
	}
	if len(fwd.sources) != 1 {
		t.Errorf("forwarded %d times, want 1", len(fwd.sources))
	}
	if len(guard.released) != 0 {
		t.Errorf("released = %v, want none", guard.released)
	}
}

func TestProcess_RetryableStatusReleasesClaim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status  int
		release bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			guard := &fakeGuard{}
			h := New(Config{Dispatcher: &recordingDispatcher{status: tt.status}, Guard: guard})

			h.Process(context.Background(), "mail/invite", readFixture(t, "company_invite.eml"))
			if got := len(guard.released) == 1; got != tt.release {
				t.Errorf("released = %v, want release %v", guard.released, tt.release)
			}
			if got := len(guard.committed) == 1; got == tt.release {
				t.Errorf("committed = %v, want commit %v", guard.committed, !tt.release)
			}
		})
	}
}

func TestProcess_ExpiredDeadlineStillReleasesClaim(t *testing.T) {
	t.Parallel()
	disp := &deadlineDispatcher{}
	guard := &fakeGuard{}
	h := New(Config{Dispatcher: disp, Guard: guard})
	raw := readFixture(t, "company_invite.eml")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	first := h.Process(ctx, "mail/invite", raw)
	if first.StatusCode != http.StatusInternalServerError {
		t.Fatalf("first StatusCode = %d, want 500", first.StatusCode)
	}
	if len(guard.released) != 1 || guard.released[0] != inviteMessageID {
		t.Fatalf("released = %v, want [%s]", guard.released, inviteMessageID)
	}

	second := h.Process(context.Background(), "mail/invite", raw)
	if second.StatusCode != http.StatusOK {
		t.Errorf("second StatusCode = %d, want 200", second.StatusCode)
	}
	if strings.Contains(second.Body, "Duplicate") {
		t.Errorf("retry was skipped as a duplicate: %s", second.Body)
	}
	if len(disp.calls) != 2 {
		t.Errorf("dispatch calls = %d, want 2", len(disp.calls))
	}
}

func TestProcess_GuardErrorFailsOpen(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	h := New(Config{Dispatcher: disp, Guard: &fakeGuard{err: errors.New("connection refused")}})

	resp := h.Process(context.Background(), "mail/invite", readFixture(t, "company_invite.eml"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if len(disp.calls) != 1 {
		t.Errorf("dispatch calls = %d, want 1", len(disp.calls))
	}
}

func TestProcess_EngineErrorIsDiagnostic(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	h := New(Config{Engine: engine.New(failingParser{}), Dispatcher: disp})

	resp := h.Process(context.Background(), "mail/invite", readFixture(t, "company_invite.eml"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if len(disp.calls) != 0 {
		t.Errorf("dispatch calls = %d, want 0", len(disp.calls))
	}
}
