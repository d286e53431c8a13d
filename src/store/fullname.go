package store

import (
	"fmt"
	"strconv"
	"strings"
)

// A fullname is the externally visible encoding of a thing or relation
// identity: prefix + base36(typeID) + "_" + base36(id). Things use the
// "t" prefix, relations use "r".
const (
	thingPrefix = 't'
	relPrefix   = 'r'
)

// FullName encodes a (kind, id) pair. It is a pure function of its inputs.
func FullName(kind *Kind, id int64) string {
	return string(kind.prefix) + strconv.FormatInt(int64(kind.TypeID), 36) + "_" + strconv.FormatInt(id, 36)
}

// DecodedName is the result of parsing a fullname back into its parts.
type DecodedName struct {
	Rel    bool
	TypeID int
	ID     int64
}

// DecodeFullName parses a fullname. It returns ErrInvalidIdentity if the
// string does not match the two-part grammar, the prefix is unknown, or the
// id falls outside [minID, maxID].
func DecodeFullName(name string, minID, maxID int64) (DecodedName, error) {
	var d DecodedName

	if len(name) < 4 {
		return d, fmt.Errorf("fullname %q too short: %w", name, ErrInvalidIdentity)
	}

	switch name[0] {
	case thingPrefix:
		d.Rel = false
	case relPrefix:
		d.Rel = true
	default:
		return d, fmt.Errorf("fullname %q has unknown prefix: %w", name, ErrInvalidIdentity)
	}

	typePart, idPart, ok := strings.Cut(name[1:], "_")
	if !ok || typePart == "" || idPart == "" {
		return d, fmt.Errorf("fullname %q is not two base36 parts: %w", name, ErrInvalidIdentity)
	}

	typeID, err := strconv.ParseInt(typePart, 36, 32)
	if err != nil || typeID < 0 {
		return d, fmt.Errorf("fullname %q has a bad type id: %w", name, ErrInvalidIdentity)
	}

	id, err := strconv.ParseInt(idPart, 36, 64)
	if err != nil {
		return d, fmt.Errorf("fullname %q has a bad id: %w", name, ErrInvalidIdentity)
	}
	if id < minID || id > maxID {
		return d, fmt.Errorf("fullname %q id %d out of range [%d, %d]: %w",
			name, id, minID, maxID, ErrInvalidIdentity)
	}

	d.TypeID = int(typeID)
	d.ID = id
	return d, nil
}
