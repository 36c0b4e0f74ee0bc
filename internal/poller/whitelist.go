package poller

import "strings"

// Whitelisted reports whether the sender matches any entry by id or display
// name, ignoring case and surrounding space.
func Whitelisted(list []string, senderID, displayName string) bool {
	id := strings.TrimSpace(senderID)
	name := strings.TrimSpace(displayName)
	for _, e := range list {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if (id != "" && strings.EqualFold(e, id)) || (name != "" && strings.EqualFold(e, name)) {
			return true
		}
	}
	return false
}
