package model

// GroupAction tracks the fan-out of one command across the members of a
// group. It only references the per-target actions by id; the aggregate
// status is computed from their statuses.
type GroupAction struct {
	GroupActionID string   `json:"group_action_id"`
	ActionString  string   `json:"action_string"`
	Owner         string   `json:"owner,omitempty"`
	ActionIDs     []string `json:"action_ids"`
	Cancelled     bool     `json:"cancelled"`
}

// AggregateStatus folds the member action statuses into one.
func (ga *GroupAction) AggregateStatus(statuses []string) string {
	if ga.Cancelled {
		return GroupActionCancelled
	}

	var queued, sent, complete, cancelled int
	for _, status := range statuses {
		switch status {
		case ActionQueued:
			queued++
		case ActionSent:
			sent++
		case ActionComplete:
			complete++
		case ActionCancelled:
			cancelled++
		}
	}

	switch {
	case len(statuses) > 0 && cancelled == len(statuses):
		return GroupActionCancelled
	case complete == len(statuses):
		return GroupActionSuccess
	case sent > 0:
		return GroupActionInProgress
	case queued > 0:
		return GroupActionQueued
	case complete > 0:
		return GroupActionMixedSuccess
	}
	return GroupActionFailed
}

// BriefDocument describes the group action without resolving its member
// actions.
func (ga *GroupAction) BriefDocument() map[string]interface{} {
	return map[string]interface{}{
		"group_action_id": ga.GroupActionID,
		"action_string":   ga.ActionString,
		"action_ids":      ga.ActionIDs,
	}
}
