package engine

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/shineum/email-monitor/internal/event"
	"github.com/shineum/email-monitor/internal/markup"
	"github.com/shineum/email-monitor/internal/record"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return raw
}

func TestProcess_Fixtures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		file       string
		wantType   event.Type
		wantRecord record.Record
		wantSender string
	}{
		{
			file:     "company_invite.eml",
			wantType: event.CompanyInvite,
			wantRecord: record.Record{
				record.KeyCompanyName: "Acme Co",
				record.KeyUserName:    "Jane Doe",
				record.KeyInviteLink:  "https://example.com/invite/123",
			},
			wantSender: "jane@acme.com",
		},
		{
			file:     "firm_invite.eml",
			wantType: event.AccountantFirmInvite,
			wantRecord: record.Record{
				record.KeyFirmName:   "Smith CPA",
				record.KeyUserName:   "Sam Müller",
				record.KeyInviteLink: "https://example.com/invite/456",
			},
			wantSender: "sam@smithcpa.com",
		},
		{
			file:     "access_legacy.eml",
			wantType: event.FirmClients,
			wantRecord: record.Record{
				record.KeyFirmName:     "Acme LLC",
				record.KeyCompanyNames: []string{"Client A", "Client B"},
			},
		},
		{
			file:     "access_removed.eml",
			wantType: event.FirmClientsRemoved,
			wantRecord: record.Record{
				record.KeyFirmName:     "Acme LLC",
				record.KeyCompanyNames: []string{"Client A", "Client B"},
				record.KeyChangeType:   "removed",
			},
		},
		{
			file:       "unknown.eml",
			wantType:   event.Unknown,
			wantRecord: record.Record{},
		},
	}

	eng := New(nil)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.file, func(t *testing.T) {
			t.Parallel()

			res, err := eng.Process(readFixture(t, tt.file))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Type != tt.wantType {
				t.Errorf("Type: got %s, want %s", res.Type, tt.wantType)
			}
			if !reflect.DeepEqual(res.Record, tt.wantRecord) {
				t.Errorf("Record: got %v, want %v", res.Record, tt.wantRecord)
			}
			if res.SenderEmail != tt.wantSender {
				t.Errorf("SenderEmail: got %q, want %q", res.SenderEmail, tt.wantSender)
			}
		})
	}
}

func TestProcess_Concurrent(t *testing.T) {
	t.Parallel()

	eng := New(nil)
	raw := readFixture(t, "access_removed.eml")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.Process(raw)
			if err != nil {
				errs <- err
				return
			}
			if res.Type != event.FirmClientsRemoved {
				errs <- errors.New("unexpected type " + res.Type.String())
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

type failingParser struct{}

func (failingParser) Parse(string) (markup.Node, error) {
	return nil, errors.New("parser unavailable")
}

func TestProcess_ParserError(t *testing.T) {
	t.Parallel()

	_, err := New(failingParser{}).Process([]byte("<p>x</p>"))
	if err == nil {
		t.Fatal("expected error from failing parser")
	}
}
