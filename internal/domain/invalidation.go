package domain

import (
	"encoding/json"
	"fmt"
)

// Invalidation is the message relayed between processes: which keys became stale
// for which users.
type Invalidation struct {
	Recipients []UserID `json:"recipients"`
	Keys       []string `json:"keys"`
}

// NewInvalidation normalizes recipients and keys. It reports false when nothing
// would be delivered.
func NewInvalidation(recipients []UserID, keys []string) (Invalidation, bool) {
	msg := Invalidation{
		Recipients: NormalizeTargets(recipients),
		Keys:       NormalizeKeys(keys),
	}
	return msg, len(msg.Recipients) > 0 && len(msg.Keys) > 0
}

// NormalizeKeys removes empty strings and duplicates, keeping first-seen order.
func NormalizeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Encode returns the JSON wire form.
func (m Invalidation) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode invalidation: %w", err)
	}
	return data, nil
}

type wireInvalidation struct {
	Recipients []json.RawMessage `json:"recipients"`
	Keys       []json.RawMessage `json:"keys"`
}

// DecodeInvalidation parses a wire payload. Unusable recipient and key entries are
// dropped; a payload that is not a JSON object yields ErrMalformedEvent.
func DecodeInvalidation(payload []byte) (Invalidation, error) {
	var wire wireInvalidation
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Invalidation{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	recipients := make([]UserID, 0, len(wire.Recipients))
	for _, raw := range wire.Recipients {
		if id, ok := ParseUserID(raw); ok {
			recipients = append(recipients, id)
		}
	}

	keys := make([]string, 0, len(wire.Keys))
	for _, raw := range wire.Keys {
		var k string
		if err := json.Unmarshal(raw, &k); err != nil {
			continue
		}
		keys = append(keys, k)
	}

	return Invalidation{
		Recipients: NormalizeTargets(recipients),
		Keys:       NormalizeKeys(keys),
	}, nil
}
