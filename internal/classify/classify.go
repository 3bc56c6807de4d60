// Package classify assigns an event.Type to a parsed notification email from
// its structural and lexical cues.
package classify

import (
	"strings"

	"github.com/shineum/email-monitor/internal/event"
	"github.com/shineum/email-monitor/internal/markup"
)

// Phrases and keywords the platform uses in its notification templates.
const (
	AccountantUserPhrase = "accountant user"
	NewUserPhrase        = "new user"
	GrantedKeyword       = "granted access"
	RemovedKeyword       = "removed access"
)

// Classify inspects doc and returns exactly one event type.
//
// Paragraphs are checked first: the first paragraph holding a <strong> child
// decides between the two invite types. If that paragraph names neither, the
// email is a legacy access-change candidate. Bold table cells are checked
// next and name the access-change direction. A legacy candidate with no bold
// cell cue is FirmClients; anything else is Unknown.
func Classify(doc markup.Node) event.Type {
	legacy := false

	for _, p := range doc.FindAll("p") {
		if _, ok := p.Find("strong"); !ok {
			continue
		}
		text := p.Text()
		switch {
		case strings.Contains(text, AccountantUserPhrase):
			return event.CompanyInvite
		case strings.Contains(text, NewUserPhrase):
			return event.AccountantFirmInvite
		}
		legacy = true
		break
	}

	for _, td := range doc.FindAll("td") {
		if !markup.StyleHas(td, "font-weight", "bold") {
			continue
		}
		text := strings.ToLower(td.Text())
		if strings.Contains(text, GrantedKeyword) {
			return event.FirmClientsAdded
		}
		if strings.Contains(text, RemovedKeyword) {
			return event.FirmClientsRemoved
		}
	}

	if legacy {
		return event.FirmClients
	}
	return event.Unknown
}
