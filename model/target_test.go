package model

import (
	"testing"
)

func TestTargetAttribute(t *testing.T) {
	target := &Target{
		Name:     "web-01",
		UUID:     "1234",
		MacAddrs: []string{"aa:bb", "cc:dd"},
		Facts: map[string]interface{}{
			"os": map[string]interface{}{
				"name":    "linux",
				"release": "5.10",
			},
			"include": "yes",
		},
	}

	tests := []struct {
		path  string
		value interface{}
		found bool
	}{
		{"name", "web-01", true},
		{"uuid", "1234", true},
		{"facts.os.name", "linux", true},
		// unqualified paths resolve against facts
		{"os.name", "linux", true},
		{"include", "yes", true},
		{"facts.os.missing", nil, false},
		{"os.name.deeper", nil, false},
		{"nothing", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			value, found := target.Attribute(tt.path)
			if found != tt.found {
				t.Fatalf("Wrong found for %s: %v", tt.path, found)
			}
			if found && value != tt.value {
				t.Fatalf("Wrong value for %s: %v", tt.path, value)
			}
		})
	}

	t.Run("mac_addrs yields one string per element", func(t *testing.T) {
		values := target.AttributeStrings("mac_addrs")
		if len(values) != 2 || values[0] != "aa:bb" || values[1] != "cc:dd" {
			t.Fatal("Wrong strings:", values)
		}
	})
}

func TestTargetSetFactsMerges(t *testing.T) {
	target := &Target{
		Facts: map[string]interface{}{
			"os": map[string]interface{}{
				"name":    "linux",
				"release": "5.10",
			},
			"arch": "amd64",
		},
	}

	target.SetFacts(map[string]interface{}{
		"os": map[string]interface{}{
			"release": "6.1",
		},
		"hostname": "web-01",
	})

	os := target.Facts["os"].(map[string]interface{})
	if os["name"] != "linux" {
		t.Fatal("Sibling key lost in merge:", os)
	}
	if os["release"] != "6.1" {
		t.Fatal("Nested key not updated:", os)
	}
	if target.Facts["arch"] != "amd64" || target.Facts["hostname"] != "web-01" {
		t.Fatal("Top level merge broken:", target.Facts)
	}
}

func TestTargetStatusBestOf(t *testing.T) {
	tun := testTuning()
	now := UnixTimeType(10000)
	active := &Session{Timestamp: now, Interval: 60, IntervalDelta: 15}
	missing := &Session{Timestamp: now - 100, Interval: 60, IntervalDelta: 15}
	inactive := &Session{Timestamp: now - 1000, Interval: 60, IntervalDelta: 15}

	tests := []struct {
		name     string
		sessions []*Session
		status   string
	}{
		{"no sessions", nil, SessionInactive},
		{"active wins", []*Session{inactive, missing, active}, SessionActive},
		{"missing beats inactive", []*Session{inactive, missing}, SessionMissing},
		{"all inactive", []*Session{inactive, inactive}, SessionInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status := TargetStatus(tt.sessions, now, tun); status != tt.status {
				t.Fatalf("Wrong status: got %s, want %s", status, tt.status)
			}
		})
	}
}

func TestTargetLastSeen(t *testing.T) {
	if TargetLastSeen(nil) != NeverSeen {
		t.Fatal("Expected the never-seen sentinel")
	}

	sessions := []*Session{
		{Timestamp: 300},
		{Timestamp: 100},
		{Timestamp: 200},
	}
	if lastseen := TargetLastSeen(sessions); lastseen != 100 {
		t.Fatal("Wrong lastseen:", lastseen)
	}
}
