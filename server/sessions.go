package main

import (
	"log"
	"sort"

	"github.com/Pallinder/go-randomdata"
	uuid "github.com/satori/go.uuid"

	"github.com/redpine-sec/citadel/model"
	"github.com/redpine-sec/citadel/server/storage"
)

// createSession registers a new agent. The owning target is resolved by
// name when given, otherwise by mac address overlap; when neither matches
// a fresh target is created with a generated readable name.
func (s *service) createSession(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	targetName, err := optStringParam(params, "target_name")
	if err != nil {
		return nil, err
	}
	macAddrs, err := optStringListParam(params, "mac_addrs")
	if err != nil {
		return nil, err
	}
	if targetName == "" && len(macAddrs) == 0 {
		return nil, model.ValidationError("either target_name or mac_addrs is required")
	}
	servers, err := optStringListParam(params, "servers")
	if err != nil {
		return nil, err
	}
	interval, err := optFloatParam(params, "interval")
	if err != nil {
		return nil, err
	}
	intervalDelta, err := optFloatParam(params, "interval_delta")
	if err != nil {
		return nil, err
	}
	configDict, err := optMapParam(params, "config_dict")
	if err != nil {
		return nil, err
	}

	target, err := s.resolveSessionTarget(targetName, macAddrs)
	if err != nil {
		return nil, err
	}

	now := model.UnixTime()
	session := &model.Session{
		SessionID:     uuid.NewV4().String(),
		TargetName:    target.Name,
		Timestamp:     now,
		Servers:       s.tuning.DefaultServers,
		Interval:      s.tuning.DefaultInterval,
		IntervalDelta: s.tuning.DefaultIntervalDelta,
		ConfigDict:    make(map[string]interface{}),
	}
	session.UpdateConfig(interval, intervalDelta, servers, configDict)

	if err := s.store.AddSession(session); err != nil {
		return nil, err
	}
	if err := s.store.AddCheckin(session.SessionID, now); err != nil {
		log.Printf("error recording initial check-in for session %s: %s", session.SessionID, err)
	}

	s.events.Emit(EventSessionCreated, map[string]interface{}{
		"session_id":  session.SessionID,
		"target_name": target.Name,
	})
	return map[string]interface{}{
		"session_id":  session.SessionID,
		"target_name": target.Name,
		"config":      session.Config(),
	}, nil
}

func (s *service) resolveSessionTarget(targetName string, macAddrs []string) (*model.Target, error) {
	if targetName != "" {
		target, err := s.store.GetTarget(targetName)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil, model.NotFoundError("target", targetName)
			}
			return nil, err
		}
		return target, nil
	}

	target, err := s.store.GetTargetByMacs(macAddrs)
	if err == nil {
		return target, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}

	// unknown machine, register a new target for it
	target = &model.Target{
		Name:     randomdata.SillyName(),
		UUID:     uuid.NewV4().String(),
		MacAddrs: macAddrs,
		Facts:    make(map[string]interface{}),
	}
	for {
		err := s.store.AddTarget(target)
		if err == nil {
			break
		}
		if err != storage.ErrConflict {
			return nil, err
		}
		// generated name taken, roll a new one
		target.Name = randomdata.SillyName()
	}
	log.Println("Registered new target for unknown agent:", target.Name)
	s.events.Emit(EventTargetCreated, map[string]interface{}{"name": target.Name, "uuid": target.UUID})
	return target, nil
}

func (s *service) getSession(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	sessionID, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("session", sessionID)
		}
		return nil, err
	}
	return map[string]interface{}{"session": session.Document(model.UnixTime(), s.tuning)}, nil
}

func (s *service) listSessions(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	includeArchived, err := optBoolParam(params, "include_archived", false)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(includeArchived)
	if err != nil {
		return nil, err
	}
	now := model.UnixTime()
	docs := make([]map[string]interface{}, 0, len(sessions))
	for _, session := range sessions {
		docs = append(docs, session.Document(now, s.tuning))
	}
	return map[string]interface{}{"sessions": docs}, nil
}

func (s *service) updateSessionConfig(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	sessionID, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	interval, err := optFloatParam(params, "interval")
	if err != nil {
		return nil, err
	}
	intervalDelta, err := optFloatParam(params, "interval_delta")
	if err != nil {
		return nil, err
	}
	servers, err := optStringListParam(params, "servers")
	if err != nil {
		return nil, err
	}
	configDict, err := optMapParam(params, "config_dict")
	if err != nil {
		return nil, err
	}

	session, err := s.store.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("session", sessionID)
		}
		return nil, err
	}

	session.UpdateConfig(interval, intervalDelta, servers, configDict)
	if err := s.store.UpdateSession(session); err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": session.Document(model.UnixTime(), s.tuning)}, nil
}

// sessionCheckIn is the agent side of the protocol: refresh liveness,
// ingest responses, apply config and fact updates, then claim unassigned
// work for the session's target.
func (s *service) sessionCheckIn(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	sessionID, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	responses, err := optListParam(params, "responses")
	if err != nil {
		return nil, err
	}
	facts, err := optMapParam(params, "facts")
	if err != nil {
		return nil, err
	}
	configUpdate, err := optMapParam(params, "config")
	if err != nil {
		return nil, err
	}

	session, err := s.store.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("session", sessionID)
		}
		return nil, err
	}

	now := model.UnixTime()
	session.Timestamp = now
	session.Archived = false
	session.UpdateConfig(nil, nil, nil, configUpdate)
	if err := s.store.UpdateSession(session); err != nil {
		return nil, err
	}
	if err := s.store.AddCheckin(sessionID, now); err != nil {
		log.Printf("error recording check-in for session %s: %s", sessionID, err)
	}

	for _, raw := range responses {
		if err := s.ingestResponse(raw, now); err != nil {
			log.Printf("error ingesting response on session %s: %s", sessionID, err)
		}
	}

	if len(facts) > 0 {
		target, err := s.store.GetTarget(session.TargetName)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil, model.UnboundTargetError(sessionID, session.TargetName)
			}
			return nil, err
		}
		target.SetFacts(facts)
		if err := s.store.UpdateTarget(target); err != nil {
			return nil, err
		}
	}

	claimed, err := s.claimActions(session.TargetName, sessionID, now)
	if err != nil {
		return nil, err
	}
	actionDocs := make([]map[string]interface{}, 0, len(claimed))
	for priority, action := range claimed {
		actionDocs = append(actionDocs, action.AgentDocument(priority))
	}

	s.events.Emit(EventSessionCheckIn, map[string]interface{}{
		"session_id":  sessionID,
		"target_name": session.TargetName,
		"actions":     len(actionDocs),
	})
	return map[string]interface{}{
		"session_id": sessionID,
		"actions":    actionDocs,
	}, nil
}

// claimActions assigns all claimable actions of the target to the session.
// Assignment is a conditional update in storage, so two concurrent
// check-ins for the same target can never hand out the same action twice.
// After a conflict the query is re-run once to pick up anything queued in
// the meantime; actions lost to the other check-in are simply not returned.
// The combined claims are ordered by queue time so the agent priorities
// stay oldest-first even when a second pass ran.
func (s *service) claimActions(targetName, sessionID string, now model.UnixTimeType) ([]*model.Action, error) {
	var claimed []*model.Action
	taken := make(map[string]bool)

	for pass := 0; pass < 2; pass++ {
		unassigned, err := s.store.UnassignedActions(targetName, sessionID)
		if err != nil {
			return nil, err
		}

		conflicts := 0
		for _, action := range unassigned {
			if taken[action.ActionID] {
				continue
			}
			assigned, err := s.store.AssignAction(action.ActionID, sessionID, now)
			if err == storage.ErrAssignConflict || err == storage.ErrNotFound {
				conflicts++
				continue
			}
			if err != nil {
				return nil, err
			}
			taken[assigned.ActionID] = true
			claimed = append(claimed, assigned)
		}
		if conflicts == 0 {
			break
		}
	}
	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].QueueTime < claimed[j].QueueTime
	})
	return claimed, nil
}

func (s *service) ingestResponse(raw interface{}, now model.UnixTimeType) error {
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return model.ValidationError("response entries must be objects")
	}
	actionID, _ := fields["action_id"].(string)
	if actionID == "" {
		return model.ValidationError("response entry is missing action_id")
	}

	action, err := s.store.GetAction(actionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return model.NotFoundError("action", actionID)
		}
		return err
	}

	response := &model.Response{}
	response.Stdout, _ = fields["stdout"].(string)
	response.Stderr, _ = fields["stderr"].(string)
	if f, ok := fields["start_time"].(float64); ok {
		response.StartTime = model.UnixTimeType(f)
	}
	if f, ok := fields["end_time"].(float64); ok {
		response.EndTime = model.UnixTimeType(f)
	}
	response.Error, _ = fields["error"].(bool)

	action.SubmitResponse(response, now)
	if err := s.store.UpdateAction(action); err != nil {
		return err
	}

	s.events.Emit(EventActionComplete, map[string]interface{}{
		"action_id":   action.ActionID,
		"target_name": action.TargetName,
		"error":       response.Error,
	})
	return nil
}
