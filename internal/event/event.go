// Package event defines the closed set of notification email types and the
// single table that decides which record fields and which downstream route
// each type uses.
package event

// Type identifies which kind of access-control notification an email carries.
type Type int

const (
	// Unknown means no classifier cue matched. It is never routable.
	Unknown Type = iota
	// CompanyInvite is an invitation for an accountant user to join a company.
	CompanyInvite
	// AccountantFirmInvite is an invitation for a new user to join an accounting firm.
	AccountantFirmInvite
	// FirmClients is the legacy access-change email that does not say whether
	// access was granted or removed.
	FirmClients
	// FirmClientsAdded reports that a firm was granted access to client companies.
	FirmClientsAdded
	// FirmClientsRemoved reports that a firm's access to client companies was removed.
	FirmClientsRemoved
)

// Route names a downstream endpoint group.
type Route int

const (
	RouteNone Route = iota
	RouteCompanyInvite
	RouteFirmInvite
	RouteFirmClients
)

// Profile describes how a Type is handled downstream.
type Profile struct {
	Name  string
	Route Route
	// ChangeType is the value of the changeType record field, or "" when the
	// record carries no change direction.
	ChangeType string
}

// profiles is the single dispatch table. Every Type must have an entry; the
// table test enforces it.
var profiles = map[Type]Profile{
	Unknown:              {Name: "unknown", Route: RouteNone},
	CompanyInvite:        {Name: "company", Route: RouteCompanyInvite},
	AccountantFirmInvite: {Name: "accountant firm", Route: RouteFirmInvite},
	FirmClients:          {Name: "access change", Route: RouteFirmClients},
	FirmClientsAdded:     {Name: "access addition", Route: RouteFirmClients, ChangeType: "added"},
	FirmClientsRemoved:   {Name: "access removal", Route: RouteFirmClients, ChangeType: "removed"},
}

// All returns every Type in declaration order.
func All() []Type {
	return []Type{Unknown, CompanyInvite, AccountantFirmInvite, FirmClients, FirmClientsAdded, FirmClientsRemoved}
}

// Lookup returns the handling profile for t. Types outside the enumeration
// resolve to the Unknown profile.
func Lookup(t Type) Profile {
	if s, ok := profiles[t]; ok {
		return s
	}
	return profiles[Unknown]
}

// String returns the human-readable name of t.
func (t Type) String() string {
	return Lookup(t).Name
}

// Routable reports whether records of type t have a downstream endpoint.
func (t Type) Routable() bool {
	return Lookup(t).Route != RouteNone
}

// IsInvite reports whether t is one of the invitation types.
func (t Type) IsInvite() bool {
	return t == CompanyInvite || t == AccountantFirmInvite
}

// IsAccessChange reports whether t is one of the firm/client access-change types.
func (t Type) IsAccessChange() bool {
	return Lookup(t).Route == RouteFirmClients
}
