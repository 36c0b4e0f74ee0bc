package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON documents under the Path directory
//   - "sqlite": SQLite database file at Path
//   - "memory" / "none": in-process only, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Settings are the user preferences that drive sleep mode.
// Decoding a partial document over DefaultSettings() merges it with the defaults.
type Settings struct {
	SleepStatus            string `json:"sleepStatus"`
	SleepStatusDescription string `json:"sleepStatusDescription"`
	InviteMessageSlot      int    `json:"inviteMessageSlot"`
	InviteMessageType      string `json:"inviteMessageType"`
	AutoStatusEnabled      bool   `json:"autoStatusEnabled"`
	InviteMessageEnabled   bool   `json:"inviteMessageEnabled"`
}

func DefaultSettings() Settings {
	return Settings{
		SleepStatus:       "none",
		InviteMessageSlot: 0,
		InviteMessageType: "message",
	}
}

// SlotCache is the persisted message slot state, keyed by message type.
// Cooldowns hold unlock times in epoch milliseconds; 0 means unlocked.
type SlotCache struct {
	Slots     map[string][]string      `json:"slots"`
	Cooldowns map[string]map[int]int64 `json:"cooldowns"`
}

// Clone returns a deep copy.
func (c SlotCache) Clone() SlotCache {
	out := SlotCache{
		Slots:     make(map[string][]string, len(c.Slots)),
		Cooldowns: make(map[string]map[int]int64, len(c.Cooldowns)),
	}
	for k, v := range c.Slots {
		out.Slots[k] = append([]string(nil), v...)
	}
	for k, m := range c.Cooldowns {
		cp := make(map[int]int64, len(m))
		for i, ts := range m {
			cp[i] = ts
		}
		out.Cooldowns[k] = cp
	}
	return out
}

// AuditEntry records an operator action taken through the control API.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Remote   string    `json:"remote,omitempty"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	MetaJSON string    `json:"meta,omitempty"`
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	SleepStatus            *string `json:"sleepStatus,omitempty"`
	SleepStatusDescription *string `json:"sleepStatusDescription,omitempty"`
	InviteMessageSlot      *int    `json:"inviteMessageSlot,omitempty"`
	InviteMessageType      *string `json:"inviteMessageType,omitempty"`
	AutoStatusEnabled      *bool   `json:"autoStatusEnabled,omitempty"`
	InviteMessageEnabled   *bool   `json:"inviteMessageEnabled,omitempty"`
}

// Apply returns s with the non-nil fields of p merged in.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.SleepStatus != nil {
		s.SleepStatus = *p.SleepStatus
	}
	if p.SleepStatusDescription != nil {
		s.SleepStatusDescription = *p.SleepStatusDescription
	}
	if p.InviteMessageSlot != nil {
		s.InviteMessageSlot = *p.InviteMessageSlot
	}
	if p.InviteMessageType != nil {
		s.InviteMessageType = *p.InviteMessageType
	}
	if p.AutoStatusEnabled != nil {
		s.AutoStatusEnabled = *p.AutoStatusEnabled
	}
	if p.InviteMessageEnabled != nil {
		s.InviteMessageEnabled = *p.InviteMessageEnabled
	}
	return s
}
