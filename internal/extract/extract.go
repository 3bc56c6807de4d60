// Package extract holds the field extractors. Each one looks for a single
// structural or textual cue, uses the first match in document order, and
// reports false when the cue is absent instead of failing.
package extract

import (
	"regexp"
	"strings"

	"github.com/shineum/email-monitor/internal/markup"
)

// Cue text used by the extractors.
const (
	AccessChangedPhrase = "changed your access at"
	InvitedPhrase       = "has invited you to"
	AcceptInvitation    = "Accept Invitation"
	GrantedAccess       = "Granted access"

	// ForwardMarker in a From display name means the email was forwarded by a
	// person rather than sent by the platform.
	ForwardMarker = "Fwd"
)

var (
	// fromHeaderPattern accepts both `From: "Acme (via Intuit services)"` and
	// `From: "Acme" (via Intuit services)`.
	fromHeaderPattern  = regexp.MustCompile(`From:[ \t]*"([^"\n]+?)[ \t]*"?[ \t]*\(via Intuit services\)`)
	bodyCompanyPattern = regexp.MustCompile(`at\s(.*?)\s*:`)
	emailPattern       = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

// CompanyFromHeader returns the company or firm name from the platform's
// From header line in the canonical text. Names carrying ForwardMarker are
// rejected.
func CompanyFromHeader(text string) (string, bool) {
	m := fromHeaderPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	if name == "" || strings.Contains(name, ForwardMarker) {
		return "", false
	}
	return name, true
}

// CompanyFromBody returns the name between "changed your access at" and the
// following colon. The innermost paragraph or cell holding the phrase is
// used so layout tables wrapping the whole message do not shadow it.
func CompanyFromBody(doc markup.Node) (string, bool) {
	n, ok := innermost(doc, []string{"p", "td"}, func(n markup.Node) bool {
		return strings.Contains(n.Text(), AccessChangedPhrase)
	})
	if !ok {
		return "", false
	}

	text := n.Text()
	text = text[strings.Index(text, AccessChangedPhrase):]
	m := bodyCompanyPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	return name, name != ""
}

// SenderName returns the text of the <strong> element inside the first
// paragraph that has one, without surrounding quotes.
func SenderName(doc markup.Node) (string, bool) {
	for _, p := range doc.FindAll("p") {
		strong, ok := p.Find("strong")
		if !ok {
			continue
		}
		return strings.Trim(strong.Text(), `"“”`), true
	}
	return "", false
}

// SenderEmail returns the first email address in the first paragraph that
// contains "has invited you to".
func SenderEmail(doc markup.Node) (string, bool) {
	p, ok := markup.FindFirst(doc, []string{"p"}, func(n markup.Node) bool {
		return strings.Contains(n.Text(), InvitedPhrase)
	})
	if !ok {
		return "", false
	}
	addr := emailPattern.FindString(p.Text())
	return addr, addr != ""
}

// InviteURL returns the href of the first link whose text is exactly
// "Accept Invitation".
func InviteURL(doc markup.Node) (string, bool) {
	a, ok := markup.FindFirst(doc, []string{"a"}, func(n markup.Node) bool {
		return n.Text() == AcceptInvitation
	})
	if !ok {
		return "", false
	}
	return a.Attr("href")
}

// AffectedCompaniesLegacy reads the <em> elements that directly follow the
// first <strong> mentioning "Granted access", stopping at the first sibling
// that is not an <em>. The returned slice may be empty when the cue exists
// but lists nothing.
func AffectedCompaniesLegacy(doc markup.Node) ([]string, bool) {
	strong, ok := markup.FindFirst(doc, []string{"strong"}, func(n markup.Node) bool {
		return strings.Contains(n.Text(), GrantedAccess)
	})
	if !ok {
		return nil, false
	}

	names := []string{}
	for _, sib := range strong.NextSiblings() {
		if sib.Tag() != "em" {
			break
		}
		names = append(names, CleanCompanyName(sib.Text()))
	}
	return names, true
}

// AffectedCompaniesTable reads every italic table cell in the document.
func AffectedCompaniesTable(doc markup.Node) ([]string, bool) {
	var names []string
	for _, td := range doc.FindAll("td") {
		if markup.StyleHas(td, "font-style", "italic") {
			names = append(names, CleanCompanyName(td.Text()))
		}
	}
	return names, len(names) > 0
}

// CleanCompanyName trims whitespace and a leading "to " from a listed
// company name.
func CleanCompanyName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "to ")
	return strings.TrimSpace(s)
}

// innermost returns the first node in document order with one of tags that
// satisfies match and has no descendant with one of tags that also does.
func innermost(root markup.Node, tags []string, match func(markup.Node) bool) (markup.Node, bool) {
	for _, n := range markup.FindAllOf(root, tags...) {
		if !match(n) {
			continue
		}
		if _, deeper := markup.FindFirst(n, tags, match); deeper {
			continue
		}
		return n, true
	}
	return nil, false
}
