package model

// Response is the outcome an agent reports for an action.
type Response struct {
	Stdout    string       `json:"stdout"`
	Stderr    string       `json:"stderr"`
	StartTime UnixTimeType `json:"start_time"`
	EndTime   UnixTimeType `json:"end_time"`
	Error     bool         `json:"error"`
}

// Action is one unit of work queued for a target, optionally pinned to a
// single session. Status is derived on read from the assignment state, the
// response and the liveness of the assigned session; only the cancelled
// flag is stored.
type Action struct {
	ActionID       string `json:"action_id"`
	TargetName     string `json:"target_name"`
	ActionString   string `json:"action_string"`
	ActionType     string `json:"action_type"`
	Owner          string `json:"owner,omitempty"`
	BoundSessionID string `json:"bound_session_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`

	// type specific fields, only the ones matching ActionType are set
	Command        string                 `json:"command,omitempty"`
	Args           []string               `json:"args,omitempty"`
	StartTime      UnixTimeType           `json:"start_time,omitempty"`
	TeamserverPath string                 `json:"teamserver_path,omitempty"`
	RemotePath     string                 `json:"remote_path,omitempty"`
	Subset         string                 `json:"subset,omitempty"`
	Config         map[string]interface{} `json:"config,omitempty"`

	QueueTime    UnixTimeType `json:"queue_time"`
	SentTime     UnixTimeType `json:"sent_time,omitempty"`
	CompleteTime UnixTimeType `json:"complete_time,omitempty"`
	CancelTime   UnixTimeType `json:"cancel_time,omitempty"`
	Cancelled    bool         `json:"cancelled"`
	Response     *Response    `json:"response,omitempty"`
}

// Status derives the action status. The session argument is the session
// the action is assigned to, nil when unassigned. When the action claims a
// session that no longer exists the caller gets an unbound-session error
// and must clear the assignment (self-heal) before persisting.
func (a *Action) Status(session *Session, now UnixTimeType, tun *Tuning) (string, error) {
	if a.Cancelled {
		return ActionCancelled, nil
	}
	if a.SessionID == "" {
		if float64(now) > float64(a.QueueTime)+tun.ActionStaleThreshold {
			return ActionStale, nil
		}
		return ActionQueued, nil
	}
	if a.Response != nil {
		if a.Response.Error {
			return ActionError, nil
		}
		return ActionComplete, nil
	}
	if session == nil {
		return ActionFailed, UnboundSessionError(a.ActionID, a.SessionID)
	}
	switch session.Status(now, tun) {
	case SessionActive:
		return ActionSent, nil
	case SessionMissing:
		return ActionFailing, nil
	}
	return ActionFailed, nil
}

// Cancellable reports whether the action can still be cancelled, which is
// only the case while it is queued or stale.
func (a *Action) Cancellable() bool {
	return !a.Cancelled && a.SessionID == "" && a.Response == nil
}

// Cancel flags the action as cancelled. It is a one-way gate: once an
// action has been assigned or answered it can no longer be cancelled.
func (a *Action) Cancel(now UnixTimeType) error {
	if !a.Cancellable() {
		return CannotCancelError(a.ActionID)
	}
	a.Cancelled = true
	a.CancelTime = now
	return nil
}

// Assign binds the action to a session. Fails when the action is pinned to
// a different session, already assigned, or cancelled. Conditional
// (session previously unset) enforcement against concurrent check-ins
// lives in the storage layer; this validates the domain rules.
func (a *Action) Assign(sessionID string, now UnixTimeType) error {
	if a.Cancelled {
		return CannotAssignError(a.ActionID, sessionID)
	}
	if a.BoundSessionID != "" && a.BoundSessionID != sessionID {
		return CannotAssignError(a.ActionID, sessionID)
	}
	if a.SessionID != "" && a.SessionID != sessionID {
		return CannotAssignError(a.ActionID, sessionID)
	}
	a.SessionID = sessionID
	a.SentTime = now
	return nil
}

// Unbind clears the assignment after the assigned session disappeared, so
// the action becomes claimable again.
func (a *Action) Unbind() {
	a.SessionID = ""
	a.SentTime = 0
}

// SubmitResponse records the agent's outcome. Resubmission overwrites the
// previous response.
func (a *Action) SubmitResponse(response *Response, now UnixTimeType) {
	a.Response = response
	a.CompleteTime = now
}

// AgentDocument builds the wire document sent to an agent. Only the fields
// relevant to the action type are included.
func (a *Action) AgentDocument(priority int) map[string]interface{} {
	doc := map[string]interface{}{
		"action_id":   a.ActionID,
		"action_type": a.ActionType,
		"priority":    priority,
	}
	switch a.ActionType {
	case ActionTypeExec, ActionTypeSpawn:
		doc["command"] = a.Command
		doc["args"] = a.Args
	case ActionTypeTimedExec, ActionTypeTimedSpawn:
		doc["command"] = a.Command
		doc["args"] = a.Args
		doc["start_time"] = a.StartTime
	case ActionTypeUpload, ActionTypeDownload:
		doc["teamserver_path"] = a.TeamserverPath
		doc["remote_path"] = a.RemotePath
	case ActionTypeGather:
		doc["subset"] = a.Subset
	case ActionTypeConfig:
		doc["config"] = a.Config
	}
	return doc
}

// Document returns the API representation of the action. The status is
// computed by the caller, which owns the session lookup.
func (a *Action) Document(status string) map[string]interface{} {
	doc := map[string]interface{}{
		"action_id":     a.ActionID,
		"target_name":   a.TargetName,
		"action_string": a.ActionString,
		"action_type":   a.ActionType,
		"status":        status,
		"queue_time":    a.QueueTime,
	}
	if a.Owner != "" {
		doc["owner"] = a.Owner
	}
	if a.BoundSessionID != "" {
		doc["bound_session_id"] = a.BoundSessionID
	}
	if a.SessionID != "" {
		doc["session_id"] = a.SessionID
		doc["sent_time"] = a.SentTime
	}
	if a.Cancelled {
		doc["cancel_time"] = a.CancelTime
	}
	if a.Response != nil {
		doc["complete_time"] = a.CompleteTime
		doc["response"] = a.Response
	}
	return doc
}
