// Package record builds the flat record forwarded downstream for a
// classified notification email.
package record

import (
	"fmt"
	"runtime/debug"

	"github.com/shineum/email-monitor/internal/event"
	"github.com/shineum/email-monitor/internal/extract"
	"github.com/shineum/email-monitor/internal/markup"
)

// Record field names.
const (
	KeyCompanyName  = "companyName"
	KeyFirmName     = "firmName"
	KeyUserName     = "userName"
	KeyInviteLink   = "inviteLink"
	KeyCompanyNames = "companyNames"
	KeyChangeType   = "changeType"
)

// Record maps field names to a string, a []string, or nil when the field's
// extractor found nothing. Its key set depends only on the event type.
type Record map[string]any

// String returns the string value stored under key.
func (r Record) String(key string) (string, bool) {
	s, ok := r[key].(string)
	return s, ok
}

// List returns the list value stored under key.
func (r Record) List(key string) ([]string, bool) {
	l, ok := r[key].([]string)
	return l, ok
}

// FaultError reports an unexpected failure while extracting fields.
type FaultError struct {
	Type  event.Type
	Cause any
	Stack []byte
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("record: extraction fault for %s email: %v", e.Type, e.Cause)
}

// fieldSet produces the fields for one event type.
type fieldSet func(doc markup.Node, text string) Record

// companiesStrategy locates the affected-company list for one markup layout.
type companiesStrategy func(doc markup.Node) ([]string, bool)

// builders is keyed by every event.Type; the test suite enforces coverage.
var builders = map[event.Type]fieldSet{
	event.Unknown:              func(markup.Node, string) Record { return Record{} },
	event.CompanyInvite:        invite(KeyCompanyName),
	event.AccountantFirmInvite: invite(KeyFirmName),
	event.FirmClients:          accessChange(extract.AffectedCompaniesLegacy, ""),
	event.FirmClientsAdded:     accessChange(extract.AffectedCompaniesTable, event.Lookup(event.FirmClientsAdded).ChangeType),
	event.FirmClientsRemoved:   accessChange(extract.AffectedCompaniesTable, event.Lookup(event.FirmClientsRemoved).ChangeType),
}

// Build runs the extractors that apply to t and assembles the record. A
// panic inside an extractor is recovered and returned as a *FaultError.
func Build(t event.Type, doc markup.Node, text string) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = &FaultError{Type: t, Cause: r, Stack: debug.Stack()}
		}
	}()

	build, ok := builders[t]
	if !ok {
		build = builders[event.Unknown]
	}
	return build(doc, text), nil
}

func invite(nameKey string) fieldSet {
	return func(doc markup.Node, text string) Record {
		return Record{
			nameKey:       optional(extract.CompanyFromHeader(text)),
			KeyUserName:   optional(extract.SenderName(doc)),
			KeyInviteLink: optional(extract.InviteURL(doc)),
		}
	}
}

func accessChange(companies companiesStrategy, changeType string) fieldSet {
	return func(doc markup.Node, _ string) Record {
		rec := Record{
			KeyFirmName:     optional(extract.CompanyFromBody(doc)),
			KeyCompanyNames: optionalList(companies(doc)),
		}
		if changeType != "" {
			rec[KeyChangeType] = changeType
		}
		return rec
	}
}

func optional(v string, ok bool) any {
	if !ok {
		return nil
	}
	return v
}

func optionalList(v []string, ok bool) any {
	if !ok {
		return nil
	}
	return v
}
