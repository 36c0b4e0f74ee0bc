package vrc

import "strings"

const (
	locationOffline       = "offline"
	privateInstanceMarker = "~"
)

// ResolveLocation picks the invite target for u:
//  1. presence world + instance as "world:instance"
//  2. a presence instance carrying the private-instance marker, verbatim
//  3. the plain location field unless it is "offline"
func ResolveLocation(u *CurrentUser) (string, error) {
	if u == nil {
		return "", ErrLocationUnresolved
	}
	var world, instance string
	if u.Presence != nil {
		world, instance = u.Presence.World, u.Presence.Instance
	}
	switch {
	case world != "" && instance != "":
		return world + ":" + instance, nil
	case instance != "" && strings.Contains(instance, privateInstanceMarker):
		return instance, nil
	case u.Location != "" && u.Location != locationOffline:
		return u.Location, nil
	}
	return "", ErrLocationUnresolved
}
