package main

import (
	"log"

	uuid "github.com/satori/go.uuid"

	"github.com/redpine-sec/citadel/model"
	"github.com/redpine-sec/citadel/server/storage"
)

func (s *service) createAction(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	targetName, err := stringParam(params, "target_name")
	if err != nil {
		return nil, err
	}
	actionString, err := stringParam(params, "action_string")
	if err != nil {
		return nil, err
	}
	boundSessionID, err := optStringParam(params, "bound_session_id")
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetTarget(targetName); err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("target", targetName)
		}
		return nil, err
	}
	if boundSessionID != "" {
		session, err := s.store.GetSession(boundSessionID)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil, model.NotFoundError("session", boundSessionID)
			}
			return nil, err
		}
		if session.TargetName != targetName {
			return nil, model.CannotBindError(boundSessionID, targetName)
		}
	}

	action, err := s.queueAction(targetName, actionString, boundSessionID, principal)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"action": action.Document(model.ActionQueued)}, nil
}

// queueAction parses the action string and persists the resulting action.
// Shared by the single-target call and the group fan-out.
func (s *service) queueAction(targetName, actionString, boundSessionID, owner string) (*model.Action, error) {
	action, err := model.ParseActionString(actionString, s.tuning.DefaultSubset)
	if err != nil {
		return nil, err
	}
	action.ActionID = uuid.NewV4().String()
	action.TargetName = targetName
	action.ActionString = actionString
	action.Owner = owner
	action.BoundSessionID = boundSessionID
	action.QueueTime = model.UnixTime()

	if err := s.store.AddAction(action); err != nil {
		return nil, err
	}
	s.events.Emit(EventActionQueued, map[string]interface{}{
		"action_id":   action.ActionID,
		"target_name": targetName,
		"action_type": action.ActionType,
	})
	return action, nil
}

func (s *service) getAction(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	actionID, err := stringParam(params, "action_id")
	if err != nil {
		return nil, err
	}
	action, err := s.store.GetAction(actionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("action", actionID)
		}
		return nil, err
	}

	status, err := s.actionStatus(action, newSessionCache(s.store), model.UnixTime())
	if err != nil {
		// self-healed, but the caller must learn about the repair
		return nil, err
	}
	return map[string]interface{}{"action": action.Document(status)}, nil
}

func (s *service) cancelAction(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	actionID, err := stringParam(params, "action_id")
	if err != nil {
		return nil, err
	}
	action, err := s.store.GetAction(actionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("action", actionID)
		}
		return nil, err
	}

	if err := action.Cancel(model.UnixTime()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateAction(action); err != nil {
		return nil, err
	}

	s.events.Emit(EventActionCancelled, map[string]interface{}{"action_id": actionID})
	return map[string]interface{}{"action": action.Document(model.ActionCancelled)}, nil
}

func (s *service) listActions(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	targetName, err := optStringParam(params, "target_name")
	if err != nil {
		return nil, err
	}
	owner, err := optStringParam(params, "owner")
	if err != nil {
		return nil, err
	}
	limit, err := optIntParam(params, "limit", 0)
	if err != nil {
		return nil, err
	}
	offset, err := optIntParam(params, "offset", 0)
	if err != nil {
		return nil, err
	}
	if limit < 0 || offset < 0 {
		return nil, model.ValidationError("limit and offset must not be negative")
	}

	actions, total, err := s.store.ListActions(targetName, owner, limit, offset)
	if err != nil {
		return nil, err
	}

	now := model.UnixTime()
	cache := newSessionCache(s.store)
	docs := make([]map[string]interface{}, 0, len(actions))
	for _, action := range actions {
		status, statusErr := s.actionStatus(action, cache, now)
		if statusErr != nil {
			// repaired in place, the listing carries the recomputed status
			log.Println("WARNING:", statusErr)
		}
		docs = append(docs, action.Document(status))
	}
	return map[string]interface{}{"actions": docs, "total": total}, nil
}
