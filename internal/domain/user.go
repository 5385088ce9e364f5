package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// UserID identifies a marketplace account (customer, shop, provider or worker).
// The zero value means "no user" and is how optional ids are passed around.
type UserID int64

// NoUser is the absent user id.
const NoUser UserID = 0

// Valid reports whether id can address a live connection.
func (id UserID) Valid() bool {
	return id > 0
}

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// NormalizeTargets drops invalid ids and duplicates, keeping first-seen order.
func NormalizeTargets(ids []UserID) []UserID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[UserID]struct{}, len(ids))
	out := make([]UserID, 0, len(ids))
	for _, id := range ids {
		if !id.Valid() {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ParseUserID decodes a single recipient entry from the wire. Numbers and numeric
// strings are accepted; null, booleans, fractions and non-positive values are not.
func ParseUserID(raw json.RawMessage) (UserID, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return NoUser, false
	}

	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return NoUser, false
		}
		text = strings.TrimSpace(s)
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return NoUser, false
	}
	id := UserID(n)
	return id, id.Valid()
}
