package main

import (
	"fmt"
	"log"

	"github.com/redpine-sec/citadel/model"
	"github.com/redpine-sec/citadel/server/storage"
)

// targetIncludes selects the derived and related data attached to a target
// document. Status and facts are cheap, the rest needs extra lookups.
type targetIncludes struct {
	status   bool
	facts    bool
	sessions bool
	actions  bool
	groups   bool
}

func parseTargetIncludes(params map[string]interface{}) (targetIncludes, error) {
	inc := targetIncludes{}
	var err error
	if inc.status, err = optBoolParam(params, "include_status", true); err != nil {
		return inc, err
	}
	if inc.facts, err = optBoolParam(params, "include_facts", true); err != nil {
		return inc, err
	}
	if inc.sessions, err = optBoolParam(params, "include_sessions", true); err != nil {
		return inc, err
	}
	if inc.actions, err = optBoolParam(params, "include_actions", false); err != nil {
		return inc, err
	}
	if inc.groups, err = optBoolParam(params, "include_groups", false); err != nil {
		return inc, err
	}
	return inc, nil
}

func (s *service) createTarget(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	uuid, err := stringParam(params, "uuid")
	if err != nil {
		return nil, err
	}
	macAddrs, err := optStringListParam(params, "mac_addrs")
	if err != nil {
		return nil, err
	}
	facts, err := optMapParam(params, "facts")
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetTargetByUUID(uuid); err == nil {
		return nil, model.NotUniqueError("target uuid", uuid)
	} else if err != storage.ErrNotFound {
		return nil, err
	}

	target := &model.Target{
		Name:     name,
		UUID:     uuid,
		MacAddrs: macAddrs,
		Facts:    facts,
	}
	if target.Facts == nil {
		target.Facts = make(map[string]interface{})
	}
	if err := s.store.AddTarget(target); err != nil {
		if err == storage.ErrConflict {
			return nil, model.NotUniqueError("target", name)
		}
		return nil, err
	}

	s.events.Emit(EventTargetCreated, map[string]interface{}{"name": name, "uuid": uuid})
	return map[string]interface{}{"target": map[string]interface{}{"name": name, "uuid": uuid}}, nil
}

func (s *service) getTarget(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	inc, err := parseTargetIncludes(params)
	if err != nil {
		return nil, err
	}

	target, err := s.store.GetTarget(name)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("target", name)
		}
		return nil, err
	}

	doc, err := s.targetDocument(target, inc, model.UnixTime())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"target": doc}, nil
}

func (s *service) listTargets(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	inc, err := parseTargetIncludes(params)
	if err != nil {
		return nil, err
	}
	targets, err := s.store.ListTargets()
	if err != nil {
		return nil, err
	}

	now := model.UnixTime()
	docs := make([]map[string]interface{}, 0, len(targets))
	for _, target := range targets {
		doc, err := s.targetDocument(target, inc, now)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return map[string]interface{}{"targets": docs}, nil
}

func (s *service) setTargetFacts(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	facts, err := mapParam(params, "facts")
	if err != nil {
		return nil, err
	}

	target, err := s.store.GetTarget(name)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("target", name)
		}
		return nil, err
	}

	target.SetFacts(facts)
	if err := s.store.UpdateTarget(target); err != nil {
		return nil, err
	}
	return map[string]interface{}{"target": map[string]interface{}{"name": target.Name, "facts": target.Facts}}, nil
}

// renameTarget renames the target and fans the new name out to every
// session, action and group that references it. The fan-out is best-effort
// and not atomic; every failed update is reported back to the caller.
func (s *service) renameTarget(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	newName, err := stringParam(params, "new_name")
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetTarget(newName); err == nil {
		return nil, model.CannotRenameError(newName)
	} else if err != storage.ErrNotFound {
		return nil, err
	}

	if err := s.store.RenameTarget(name, newName); err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("target", name)
		}
		if err == storage.ErrConflict {
			return nil, model.CannotRenameError(newName)
		}
		return nil, err
	}

	failures := s.retargetReferences(name, newName)

	s.events.Emit(EventTargetRenamed, map[string]interface{}{"name": name, "new_name": newName})
	result := map[string]interface{}{"target": map[string]interface{}{"name": newName}}
	if len(failures) > 0 {
		result["errors"] = failures
	}
	return result, nil
}

// migrateTarget moves every reference from one existing target onto another
// and deletes the source target. Facts of the destination are merged from
// the source, destination values win.
func (s *service) migrateTarget(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	oldName, err := stringParam(params, "old_target")
	if err != nil {
		return nil, err
	}
	newName, err := stringParam(params, "new_target")
	if err != nil {
		return nil, err
	}

	oldTarget, err := s.store.GetTarget(oldName)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("target", oldName)
		}
		return nil, err
	}
	newTarget, err := s.store.GetTarget(newName)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("target", newName)
		}
		return nil, err
	}

	merged := &model.Target{Name: newTarget.Name, UUID: newTarget.UUID, MacAddrs: newTarget.MacAddrs}
	merged.SetFacts(oldTarget.Facts)
	merged.SetFacts(newTarget.Facts)
	for _, mac := range oldTarget.MacAddrs {
		if !containsString(merged.MacAddrs, mac) {
			merged.MacAddrs = append(merged.MacAddrs, mac)
		}
	}
	if err := s.store.UpdateTarget(merged); err != nil {
		return nil, err
	}

	failures := s.retargetReferences(oldName, newName)
	if err := s.store.DeleteTarget(oldName); err != nil && err != storage.ErrNotFound {
		failures = append(failures, fmt.Sprintf("error deleting target %s: %s", oldName, err))
	}

	result := map[string]interface{}{"target": map[string]interface{}{"name": newName}}
	if len(failures) > 0 {
		result["errors"] = failures
	}
	return result, nil
}

// retargetReferences rewrites the target name in all sessions, actions and
// groups. Failures are collected, logged and returned, never fatal.
func (s *service) retargetReferences(oldName, newName string) []string {
	var failures []string
	fail := func(format string, a ...interface{}) {
		msg := fmt.Sprintf(format, a...)
		log.Println("WARNING:", msg)
		failures = append(failures, msg)
	}

	sessions, err := s.store.ListSessions(true)
	if err != nil {
		fail("error listing sessions for %s: %s", oldName, err)
	}
	for _, session := range sessions {
		if session.TargetName != oldName {
			continue
		}
		session.TargetName = newName
		if err := s.store.UpdateSession(session); err != nil {
			fail("error updating session %s: %s", session.SessionID, err)
		}
	}

	actions, _, err := s.store.ListActions(oldName, "", 0, 0)
	if err != nil {
		fail("error listing actions for %s: %s", oldName, err)
	}
	for _, action := range actions {
		action.TargetName = newName
		if err := s.store.UpdateAction(action); err != nil {
			fail("error updating action %s: %s", action.ActionID, err)
		}
	}

	groups, err := s.store.ListGroups()
	if err != nil {
		fail("error listing groups: %s", err)
	}
	for _, group := range groups {
		if !group.RenameMember(oldName, newName) {
			continue
		}
		if err := s.store.UpdateGroup(group); err != nil {
			fail("error updating group %s: %s", group.Name, err)
		}
		s.triggerRebuild(group.Name)
	}

	return failures
}

func (s *service) targetDocument(target *model.Target, inc targetIncludes, now model.UnixTimeType) (map[string]interface{}, error) {
	doc := map[string]interface{}{
		"name": target.Name,
		"uuid": target.UUID,
	}
	if len(target.MacAddrs) > 0 {
		doc["mac_addrs"] = target.MacAddrs
	}
	if inc.facts {
		doc["facts"] = target.Facts
	}

	if inc.status || inc.sessions {
		sessions, err := s.store.SessionsForTarget(target.Name)
		if err != nil {
			return nil, err
		}
		if inc.status {
			doc["status"] = model.TargetStatus(sessions, now, s.tuning)
			doc["lastseen"] = model.TargetLastSeen(sessions)
		}
		if inc.sessions {
			sessionDocs := make([]map[string]interface{}, 0, len(sessions))
			for _, session := range sessions {
				sessionDocs = append(sessionDocs, session.Document(now, s.tuning))
			}
			doc["sessions"] = sessionDocs
		}
	}

	if inc.actions {
		actions, _, err := s.store.ListActions(target.Name, "", 0, 0)
		if err != nil {
			return nil, err
		}
		cache := newSessionCache(s.store)
		actionDocs := make([]map[string]interface{}, 0, len(actions))
		for _, action := range actions {
			status, statusErr := s.actionStatus(action, cache, now)
			if statusErr != nil {
				log.Println("WARNING:", statusErr)
			}
			actionDocs = append(actionDocs, action.Document(status))
		}
		doc["actions"] = actionDocs
	}

	if inc.groups {
		groups, err := s.store.ListGroups()
		if err != nil {
			return nil, err
		}
		var memberOf []string
		for _, group := range groups {
			for _, member := range group.BuiltMembers {
				if member == target.Name {
					memberOf = append(memberOf, group.Name)
					break
				}
			}
		}
		doc["groups"] = memberOf
	}

	return doc, nil
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
