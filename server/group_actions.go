package main

import (
	"log"

	uuid "github.com/satori/go.uuid"

	"github.com/redpine-sec/citadel/model"
	"github.com/redpine-sec/citadel/server/storage"
)

// createGroupAction fans one command out to every member of a group. With
// quick set the cached membership is used as-is, otherwise it is rebuilt
// first. An empty group yields a group action without member actions.
func (s *service) createGroupAction(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	groupName, err := stringParam(params, "group_name")
	if err != nil {
		return nil, err
	}
	actionString, err := stringParam(params, "action_string")
	if err != nil {
		return nil, err
	}
	quick, err := optBoolParam(params, "quick", false)
	if err != nil {
		return nil, err
	}

	// reject bad syntax before creating anything
	if _, err := model.ParseActionString(actionString, s.tuning.DefaultSubset); err != nil {
		return nil, err
	}

	var group *model.Group
	if quick {
		group, err = s.loadGroup(groupName)
	} else {
		group, err = s.rebuildGroup(groupName)
	}
	if err != nil {
		return nil, err
	}

	now := model.UnixTime()
	actions := make([]*model.Action, 0, len(group.BuiltMembers))
	for _, member := range group.BuiltMembers {
		action, err := model.ParseActionString(actionString, s.tuning.DefaultSubset)
		if err != nil {
			return nil, err
		}
		action.ActionID = uuid.NewV4().String()
		action.TargetName = member
		action.ActionString = actionString
		action.Owner = principal
		action.QueueTime = now
		actions = append(actions, action)
	}
	if err := s.store.AddActions(actions); err != nil {
		return nil, err
	}

	groupAction := &model.GroupAction{
		GroupActionID: uuid.NewV4().String(),
		ActionString:  actionString,
		Owner:         principal,
		ActionIDs:     make([]string, 0, len(actions)),
	}
	for _, action := range actions {
		groupAction.ActionIDs = append(groupAction.ActionIDs, action.ActionID)
	}
	if err := s.store.AddGroupAction(groupAction); err != nil {
		return nil, err
	}

	s.events.Emit(EventGroupActionQueued, map[string]interface{}{
		"group_action_id": groupAction.GroupActionID,
		"group_name":      groupName,
		"actions":         len(actions),
	})
	doc, err := s.groupActionDocument(groupAction, newSessionCache(s.store), now)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"group_action": doc}, nil
}

func (s *service) getGroupAction(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	groupActionID, err := stringParam(params, "group_action_id")
	if err != nil {
		return nil, err
	}
	groupAction, err := s.store.GetGroupAction(groupActionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("group action", groupActionID)
		}
		return nil, err
	}

	doc, err := s.groupActionDocument(groupAction, newSessionCache(s.store), model.UnixTime())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"group_action": doc}, nil
}

// cancelGroupAction cancels every member action that is still cancellable
// and flags the group action regardless of individual outcomes.
func (s *service) cancelGroupAction(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	groupActionID, err := stringParam(params, "group_action_id")
	if err != nil {
		return nil, err
	}
	groupAction, err := s.store.GetGroupAction(groupActionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("group action", groupActionID)
		}
		return nil, err
	}

	now := model.UnixTime()
	for _, actionID := range groupAction.ActionIDs {
		action, err := s.store.GetAction(actionID)
		if err != nil {
			log.Printf("error loading member action %s: %s", actionID, err)
			continue
		}
		if !action.Cancellable() {
			continue
		}
		if err := action.Cancel(now); err != nil {
			continue
		}
		if err := s.store.UpdateAction(action); err != nil {
			log.Printf("error cancelling member action %s: %s", actionID, err)
		}
	}

	groupAction.Cancelled = true
	if err := s.store.UpdateGroupAction(groupAction); err != nil {
		return nil, err
	}

	s.events.Emit(EventActionCancelled, map[string]interface{}{"group_action_id": groupActionID})
	doc, err := s.groupActionDocument(groupAction, newSessionCache(s.store), now)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"group_action": doc}, nil
}

func (s *service) listGroupActions(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	groupActions, err := s.store.ListGroupActions()
	if err != nil {
		return nil, err
	}

	now := model.UnixTime()
	cache := newSessionCache(s.store)
	docs := make([]map[string]interface{}, 0, len(groupActions))
	for _, groupAction := range groupActions {
		doc, err := s.groupActionDocument(groupAction, cache, now)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return map[string]interface{}{"group_actions": docs}, nil
}

// groupActionDocument resolves the member actions and aggregates their
// statuses into the group action view.
func (s *service) groupActionDocument(groupAction *model.GroupAction, cache *sessionCache, now model.UnixTimeType) (map[string]interface{}, error) {
	statuses := make([]string, 0, len(groupAction.ActionIDs))
	actionDocs := make([]map[string]interface{}, 0, len(groupAction.ActionIDs))
	for _, actionID := range groupAction.ActionIDs {
		action, err := s.store.GetAction(actionID)
		if err != nil {
			if err == storage.ErrNotFound {
				log.Printf("WARNING: group action %s references missing action %s", groupAction.GroupActionID, actionID)
				continue
			}
			return nil, err
		}
		status, statusErr := s.actionStatus(action, cache, now)
		if statusErr != nil {
			log.Println("WARNING:", statusErr)
		}
		statuses = append(statuses, status)
		actionDocs = append(actionDocs, action.Document(status))
	}

	doc := groupAction.BriefDocument()
	if groupAction.Owner != "" {
		doc["owner"] = groupAction.Owner
	}
	doc["status"] = groupAction.AggregateStatus(statuses)
	doc["actions"] = actionDocs
	return doc, nil
}
