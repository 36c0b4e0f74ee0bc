package vrc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// SlotResult is the normalized shape of a message slot response.
//
// CooldownKnown is false when the server did not report a cooldown (for
// example a bare string body); callers must not treat that as "unlocked".
type SlotResult struct {
	Index                    int    `json:"slot"`
	Message                  string `json:"message"`
	RemainingCooldownMinutes int    `json:"remainingCooldownMinutes"`
	CooldownKnown            bool   `json:"-"`
}

type rawSlot struct {
	Slot                     *int     `json:"slot"`
	Message                  *string  `json:"message"`
	RemainingCooldownMinutes *float64 `json:"remainingCooldownMinutes"`
}

func (r rawSlot) result(index int) SlotResult {
	out := SlotResult{Index: index}
	if r.Message != nil {
		out.Message = *r.Message
	}
	if r.RemainingCooldownMinutes != nil {
		out.CooldownKnown = true
		out.RemainingCooldownMinutes = max(0, int(math.Ceil(*r.RemainingCooldownMinutes)))
	}
	return out
}

// NormalizeSlot turns a slot response body into a SlotResult for index.
// The body may be a JSON string, a slot object or an array of slot objects.
func NormalizeSlot(index int, raw json.RawMessage) (SlotResult, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return SlotResult{Index: index}, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return SlotResult{}, fmt.Errorf("decode slot %d: %w", index, err)
		}
		return SlotResult{Index: index, Message: s}, nil
	case '[':
		all, err := NormalizeSlots(raw)
		if err != nil {
			return SlotResult{}, err
		}
		for _, s := range all {
			if s.Index == index {
				return s, nil
			}
		}
		return SlotResult{Index: index, CooldownKnown: true}, nil
	case '{':
		var r rawSlot
		if err := json.Unmarshal(raw, &r); err != nil {
			return SlotResult{}, fmt.Errorf("decode slot %d: %w", index, err)
		}
		return r.result(index), nil
	}
	return SlotResult{}, fmt.Errorf("decode slot %d: unexpected body %.40q", index, raw)
}

// NormalizeSlots decodes an array of slot objects, sorted by index.
// Entries without a slot number take their array position.
func NormalizeSlots(raw json.RawMessage) ([]SlotResult, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, nil
	}
	var items []rawSlot
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode slots: %w", err)
	}
	out := make([]SlotResult, 0, len(items))
	for i, it := range items {
		idx := i
		if it.Slot != nil {
			idx = *it.Slot
		}
		out = append(out, it.result(idx))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
