package model

import "time"

// UnixTimeType is the type used for all entity timestamps: epoch seconds
// with sub-second precision. Agents report and receive times in this form.
type UnixTimeType float64

// UnixTime returns the current unix time
func UnixTime() UnixTimeType {
	return UnixTimeType(float64(time.Now().UnixNano()) / 1e9)
}

// NeverSeen is the lastseen sentinel for targets without any session.
const NeverSeen UnixTimeType = -1

// Session statuses
const (
	SessionActive   = "active"
	SessionMissing  = "missing"
	SessionInactive = "inactive"
)

// Action statuses
const (
	ActionCancelled = "cancelled"
	ActionQueued    = "queued"
	ActionStale     = "stale"
	ActionSent      = "sent"
	ActionFailing   = "failing"
	ActionFailed    = "failed"
	ActionError     = "error"
	ActionComplete  = "complete"
)

// Group action statuses
const (
	GroupActionCancelled    = "cancelled"
	GroupActionQueued       = "queued"
	GroupActionInProgress   = "in progress"
	GroupActionMixedSuccess = "mixed success"
	GroupActionSuccess      = "success"
	GroupActionFailed       = "failed"
)

// Action types
const (
	ActionTypeConfig     = "config"
	ActionTypeExec       = "exec"
	ActionTypeSpawn      = "spawn"
	ActionTypeTimedExec  = "timed_exec"
	ActionTypeTimedSpawn = "timed_spawn"
	ActionTypeUpload     = "upload"
	ActionTypeDownload   = "download"
	ActionTypeGather     = "gather"
	ActionTypeReset      = "reset"
)

// Tuning holds the liveness and staleness knobs. A single instance is
// loaded at startup and passed into every status derivation, so status
// stays a pure function of entity, related session and clock.
type Tuning struct {
	SessionCheckThreshold  float64 `yaml:"session_check_threshold"`
	SessionCheckModifier   float64 `yaml:"session_check_modifier"`
	SessionArchiveModifier float64 `yaml:"session_archive_modifier"`
	ActionStaleThreshold   float64 `yaml:"action_stale_threshold"`

	DefaultServers       []string `yaml:"agent_default_servers"`
	DefaultInterval      float64  `yaml:"agent_default_interval"`
	DefaultIntervalDelta float64  `yaml:"agent_default_delta"`
	DefaultSubset        string   `yaml:"default_subset"`
}

// DefaultTuning returns the stock knob values.
func DefaultTuning() *Tuning {
	return &Tuning{
		SessionCheckThreshold:  5,
		SessionCheckModifier:   1.5,
		SessionArchiveModifier: 24,
		ActionStaleThreshold:   900,
		DefaultServers:         []string{"http://localhost:8080"},
		DefaultInterval:        60,
		DefaultIntervalDelta:   15,
		DefaultSubset:          "all",
	}
}
