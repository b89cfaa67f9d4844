package contracts

import "strings"

// Admins is the set of principals allowed to act on any asset.
type Admins map[string]struct{}

// NewAdmins builds the set, ignoring blank ids.
func NewAdmins(ids ...string) Admins {
	a := make(Admins, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			a[id] = struct{}{}
		}
	}
	return a
}

// Has reports whether id is an admin. A nil set has no members.
func (a Admins) Has(id string) bool {
	_, ok := a[id]
	return ok
}
