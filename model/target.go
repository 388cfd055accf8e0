package model

import (
	"fmt"
	"strings"
)

// Target is a managed host. Identity is the stable UUID; the name is a
// human key that can change. Sessions and actions reference the target by
// name, so a rename fans out (see the service layer).
type Target struct {
	Name     string                 `json:"name"`
	UUID     string                 `json:"uuid"`
	MacAddrs []string               `json:"mac_addrs,omitempty"`
	Facts    map[string]interface{} `json:"facts"`
}

// SetFacts merges new facts into the fact bag. Nested maps are merged
// recursively, everything else is overwritten.
func (t *Target) SetFacts(facts map[string]interface{}) {
	if t.Facts == nil {
		t.Facts = make(map[string]interface{})
	}
	mergeFacts(t.Facts, facts)
}

func mergeFacts(dst, src map[string]interface{}) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]interface{})
		dstMap, dstIsMap := dst[key].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeFacts(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// Attribute resolves a dot separated attribute path against the target.
// The first segment is matched against the structured fields before
// descending into the fact bag.
func (t *Target) Attribute(path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{}
	switch segments[0] {
	case "name":
		current = t.Name
	case "uuid":
		current = t.UUID
	case "mac_addrs":
		current = t.MacAddrs
	case "facts":
		current = t.Facts
	default:
		// unqualified paths resolve against facts
		current = t.Facts
		segments = append([]string{""}, segments...)
	}

	for _, segment := range segments[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// AttributeStrings returns the string forms of a resolved attribute.
// Lists resolve to one string per element so that rules can match any of
// them.
func (t *Target) AttributeStrings(path string) []string {
	value, found := t.Attribute(path)
	if !found {
		return nil
	}
	switch list := value.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return []string{fmt.Sprint(value)}
}

// TargetStatus is the best status across the given sessions. No sessions
// means inactive.
func TargetStatus(sessions []*Session, now UnixTimeType, tun *Tuning) string {
	best := SessionInactive
	for _, session := range sessions {
		switch session.Status(now, tun) {
		case SessionActive:
			return SessionActive
		case SessionMissing:
			best = SessionMissing
		}
	}
	return best
}

// TargetLastSeen is the earliest session check-in, or NeverSeen without
// any session.
func TargetLastSeen(sessions []*Session) UnixTimeType {
	if len(sessions) == 0 {
		return NeverSeen
	}
	lastseen := sessions[0].Timestamp
	for _, session := range sessions[1:] {
		if session.Timestamp < lastseen {
			lastseen = session.Timestamp
		}
	}
	return lastseen
}
