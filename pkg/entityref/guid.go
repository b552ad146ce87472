package entityref

import (
	"github.com/google/uuid"
)

// FederationGUID is an element's optional globally unique cross-database
// identity. The zero value means "absent" (an element has no federation
// GUID).
type FederationGUID struct {
	id    uuid.UUID
	valid bool
}

// NoFederationGUID is the zero value, meaning "no federation GUID".
var NoFederationGUID = FederationGUID{}

// NewFederationGUID mints a fresh, random federation GUID. The transformer
// does not call it: an element copied without a federation GUID keeps
// none in the target.
func NewFederationGUID() FederationGUID {
	return FederationGUID{id: uuid.New(), valid: true}
}

// ParseFederationGUID parses the canonical textual form of a federation
// GUID. An empty string parses to NoFederationGUID, not an error, since
// that is how an absent GUID round-trips through most iModel catalogs.
func ParseFederationGUID(s string) (FederationGUID, error) {
	if s == "" {
		return NoFederationGUID, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return FederationGUID{}, err
	}
	return FederationGUID{id: id, valid: true}, nil
}

// Valid reports whether g holds an actual GUID.
func (g FederationGUID) Valid() bool {
	return g.valid
}

// String renders g in canonical lowercase-hyphenated form, or "" if absent.
func (g FederationGUID) String() string {
	if !g.valid {
		return ""
	}
	return g.id.String()
}

// Compare orders two federation GUIDs by their canonical string form. It is
// used to sort both databases' element tables before the two-pointer merge
// that finds equal-GUID pairs during the transformer's pre-populate sweep.
func (g FederationGUID) Compare(o FederationGUID) int {
	gs, os := g.String(), o.String()
	switch {
	case gs < os:
		return -1
	case gs > os:
		return 1
	default:
		return 0
	}
}

// Equal reports whether g and o are the same GUID. Two absent GUIDs are
// never equal to each other: "no identity" never matches "no identity".
func (g FederationGUID) Equal(o FederationGUID) bool {
	return g.valid && o.valid && g.id == o.id
}
