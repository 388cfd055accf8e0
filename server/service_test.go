package main

import (
	"errors"
	"testing"

	"github.com/redpine-sec/citadel/model"
	"github.com/redpine-sec/citadel/server/storage"
)

func testService() *service {
	return newService(storage.NewMemoryStorage(), newEventBus(), model.DefaultTuning())
}

func params(pairs map[string]interface{}) map[string]interface{} {
	return pairs
}

func TestActionLifecycleViaCheckIn(t *testing.T) {
	s := testService()

	_, err := s.createTarget("op", params(map[string]interface{}{"name": "T1", "uuid": "u-1"}))
	if err != nil {
		t.Fatal("Error creating target:", err)
	}

	var actionID string
	t.Run("create action", func(t *testing.T) {
		result, err := s.createAction("op", params(map[string]interface{}{
			"target_name":   "T1",
			"action_string": "exec ls -al /dir",
		}))
		if err != nil {
			t.Fatal("Error creating action:", err)
		}
		doc := result["action"].(map[string]interface{})
		actionID = doc["action_id"].(string)
		if doc["status"] != model.ActionQueued {
			t.Fatal("Wrong status:", doc["status"])
		}

		action, err := s.store.GetAction(actionID)
		if err != nil {
			t.Fatal("Error loading action:", err)
		}
		if action.Command != "ls" || len(action.Args) != 2 || action.Args[0] != "-al" || action.Args[1] != "/dir" {
			t.Fatalf("Wrong parse: %s %v", action.Command, action.Args)
		}
		if action.Owner != "op" {
			t.Fatal("Wrong owner:", action.Owner)
		}
	})

	var sessionID string
	t.Run("register session", func(t *testing.T) {
		result, err := s.createSession("", params(map[string]interface{}{"target_name": "T1"}))
		if err != nil {
			t.Fatal("Error creating session:", err)
		}
		sessionID = result["session_id"].(string)
		if result["target_name"] != "T1" {
			t.Fatal("Wrong target:", result["target_name"])
		}
	})

	t.Run("check-in claims the action", func(t *testing.T) {
		result, err := s.sessionCheckIn("", params(map[string]interface{}{"session_id": sessionID}))
		if err != nil {
			t.Fatal("Error checking in:", err)
		}
		docs := result["actions"].([]map[string]interface{})
		if len(docs) != 1 {
			t.Fatal("Wrong number of claimed actions:", len(docs))
		}
		if docs[0]["action_id"] != actionID {
			t.Fatal("Wrong action claimed:", docs[0]["action_id"])
		}
		if docs[0]["priority"] != 0 {
			t.Fatal("Wrong priority:", docs[0]["priority"])
		}
		if docs[0]["command"] != "ls" {
			t.Fatal("Wrong wire document:", docs[0])
		}

		got, err := s.getAction("", params(map[string]interface{}{"action_id": actionID}))
		if err != nil {
			t.Fatal("Error getting action:", err)
		}
		if got["action"].(map[string]interface{})["status"] != model.ActionSent {
			t.Fatal("Action not sent after check-in")
		}
	})

	t.Run("cancel after assignment fails", func(t *testing.T) {
		_, err := s.cancelAction("", params(map[string]interface{}{"action_id": actionID}))
		if err == nil {
			t.Fatal("Expected cannot-cancel error")
		}
		if model.AsAPIError(err).Type != model.ErrTypeCannotCancelAction {
			t.Fatal("Wrong error type:", model.AsAPIError(err).Type)
		}
	})

	t.Run("response completes the action", func(t *testing.T) {
		_, err := s.sessionCheckIn("", params(map[string]interface{}{
			"session_id": sessionID,
			"responses": []interface{}{
				map[string]interface{}{
					"action_id": actionID,
					"stdout":    "total 0",
					"error":     false,
				},
			},
		}))
		if err != nil {
			t.Fatal("Error checking in:", err)
		}

		got, err := s.getAction("", params(map[string]interface{}{"action_id": actionID}))
		if err != nil {
			t.Fatal("Error getting action:", err)
		}
		doc := got["action"].(map[string]interface{})
		if doc["status"] != model.ActionComplete {
			t.Fatal("Wrong status after response:", doc["status"])
		}
		if doc["response"].(*model.Response).Stdout != "total 0" {
			t.Fatal("Response not recorded")
		}
	})
}

func TestCheckInClaimsAtMostOnce(t *testing.T) {
	s := testService()

	if _, err := s.createTarget("op", params(map[string]interface{}{"name": "T1", "uuid": "u-1"})); err != nil {
		t.Fatal("Error creating target:", err)
	}
	if _, err := s.createAction("op", params(map[string]interface{}{"target_name": "T1", "action_string": "reset"})); err != nil {
		t.Fatal("Error creating action:", err)
	}

	first, err := s.createSession("", params(map[string]interface{}{"target_name": "T1"}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}
	second, err := s.createSession("", params(map[string]interface{}{"target_name": "T1"}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}

	result, err := s.sessionCheckIn("", params(map[string]interface{}{"session_id": first["session_id"]}))
	if err != nil {
		t.Fatal("Error checking in:", err)
	}
	if len(result["actions"].([]map[string]interface{})) != 1 {
		t.Fatal("First check-in did not claim the action")
	}

	result, err = s.sessionCheckIn("", params(map[string]interface{}{"session_id": second["session_id"]}))
	if err != nil {
		t.Fatal("Error checking in:", err)
	}
	if len(result["actions"].([]map[string]interface{})) != 0 {
		t.Fatal("Second check-in claimed an already assigned action")
	}
}

func TestBoundActionOnlyForBoundSession(t *testing.T) {
	s := testService()

	if _, err := s.createTarget("op", params(map[string]interface{}{"name": "T1", "uuid": "u-1"})); err != nil {
		t.Fatal("Error creating target:", err)
	}
	bound, err := s.createSession("", params(map[string]interface{}{"target_name": "T1"}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}
	other, err := s.createSession("", params(map[string]interface{}{"target_name": "T1"}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}

	if _, err := s.createAction("op", params(map[string]interface{}{
		"target_name":      "T1",
		"action_string":    "gather",
		"bound_session_id": bound["session_id"],
	})); err != nil {
		t.Fatal("Error creating action:", err)
	}

	result, err := s.sessionCheckIn("", params(map[string]interface{}{"session_id": other["session_id"]}))
	if err != nil {
		t.Fatal("Error checking in:", err)
	}
	if len(result["actions"].([]map[string]interface{})) != 0 {
		t.Fatal("Action leaked to a session it is not bound to")
	}

	result, err = s.sessionCheckIn("", params(map[string]interface{}{"session_id": bound["session_id"]}))
	if err != nil {
		t.Fatal("Error checking in:", err)
	}
	if len(result["actions"].([]map[string]interface{})) != 1 {
		t.Fatal("Bound session did not receive its action")
	}
}

// targetWriteFailStore simulates a storage backend whose target writes
// fail for reasons other than a name conflict.
type targetWriteFailStore struct {
	storage.Storage
	err error
}

func (f *targetWriteFailStore) AddTarget(*model.Target) error { return f.err }

func TestCreateSessionSurfacesTargetWriteErrors(t *testing.T) {
	storeErr := errors.New("index unavailable")
	s := newService(&targetWriteFailStore{Storage: storage.NewMemoryStorage(), err: storeErr},
		newEventBus(), model.DefaultTuning())

	_, err := s.createSession("", params(map[string]interface{}{
		"mac_addrs": []interface{}{"aa:bb:cc:dd:ee:ff"},
	}))
	if err != storeErr {
		t.Fatal("Expected the storage error, got:", err)
	}

	// no session may reference the target that was never persisted
	sessions, err := s.store.ListSessions(true)
	if err != nil {
		t.Fatal("Error listing sessions:", err)
	}
	if len(sessions) != 0 {
		t.Fatal("Session created despite target write failure")
	}
}

// assignConflictOnceStore rejects the first assignment of one action, the
// way a concurrent check-in losing the race would see it.
type assignConflictOnceStore struct {
	storage.Storage
	conflictID string
	conflicted bool
}

func (f *assignConflictOnceStore) AssignAction(actionID, sessionID string, now model.UnixTimeType) (*model.Action, error) {
	if actionID == f.conflictID && !f.conflicted {
		f.conflicted = true
		return nil, storage.ErrAssignConflict
	}
	return f.Storage.AssignAction(actionID, sessionID, now)
}

func TestClaimOrderSurvivesConflictRetry(t *testing.T) {
	store := &assignConflictOnceStore{Storage: storage.NewMemoryStorage(), conflictID: "a-early"}
	s := newService(store, newEventBus(), model.DefaultTuning())

	early := &model.Action{ActionID: "a-early", TargetName: "T1", QueueTime: 100}
	late := &model.Action{ActionID: "a-late", TargetName: "T1", QueueTime: 200}
	if err := s.store.AddAction(early); err != nil {
		t.Fatal("Error adding action:", err)
	}
	if err := s.store.AddAction(late); err != nil {
		t.Fatal("Error adding action:", err)
	}

	// the older action conflicts once and is only claimed on the second
	// pass; the returned order must still be oldest first
	claimed, err := s.claimActions("T1", "sess-1", 300)
	if err != nil {
		t.Fatal("Error claiming:", err)
	}
	if len(claimed) != 2 {
		t.Fatal("Wrong number of claims:", len(claimed))
	}
	if claimed[0].ActionID != "a-early" || claimed[1].ActionID != "a-late" {
		t.Fatal("Claims not ordered by queue time:", claimed[0].ActionID, claimed[1].ActionID)
	}
}

func TestCheckInRegistersUnknownAgent(t *testing.T) {
	s := testService()

	result, err := s.createSession("", params(map[string]interface{}{
		"mac_addrs": []interface{}{"aa:bb:cc:dd:ee:ff"},
	}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}
	targetName := result["target_name"].(string)
	if targetName == "" {
		t.Fatal("No target generated")
	}

	// the same machine reconnecting resolves to the same target
	again, err := s.createSession("", params(map[string]interface{}{
		"mac_addrs": []interface{}{"aa:bb:cc:dd:ee:ff"},
	}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}
	if again["target_name"] != targetName {
		t.Fatal("Mac matching broken:", again["target_name"])
	}
}

func TestCheckInUpdatesFactsAndConfig(t *testing.T) {
	s := testService()

	if _, err := s.createTarget("op", params(map[string]interface{}{"name": "T1", "uuid": "u-1"})); err != nil {
		t.Fatal("Error creating target:", err)
	}
	created, err := s.createSession("", params(map[string]interface{}{"target_name": "T1"}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}
	sessionID := created["session_id"].(string)

	_, err = s.sessionCheckIn("", params(map[string]interface{}{
		"session_id": sessionID,
		"facts":      map[string]interface{}{"os": map[string]interface{}{"name": "linux"}},
		"config":     map[string]interface{}{"interval": 120.0, "hidden": true},
	}))
	if err != nil {
		t.Fatal("Error checking in:", err)
	}

	target, err := s.store.GetTarget("T1")
	if err != nil {
		t.Fatal("Error loading target:", err)
	}
	os, _ := target.Facts["os"].(map[string]interface{})
	if os["name"] != "linux" {
		t.Fatal("Facts not merged:", target.Facts)
	}

	session, err := s.store.GetSession(sessionID)
	if err != nil {
		t.Fatal("Error loading session:", err)
	}
	if session.Interval != 120 {
		t.Fatal("Reserved config key not routed:", session.Interval)
	}
	if session.ConfigDict["hidden"] != true {
		t.Fatal("Custom config key not stored")
	}
}

func TestRenameTargetFansOut(t *testing.T) {
	s := testService()

	if _, err := s.createTarget("op", params(map[string]interface{}{"name": "old", "uuid": "u-1"})); err != nil {
		t.Fatal("Error creating target:", err)
	}
	created, err := s.createSession("", params(map[string]interface{}{"target_name": "old"}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}
	sessionID := created["session_id"].(string)
	actionResult, err := s.createAction("op", params(map[string]interface{}{"target_name": "old", "action_string": "gather"}))
	if err != nil {
		t.Fatal("Error creating action:", err)
	}
	actionID := actionResult["action"].(map[string]interface{})["action_id"].(string)
	if _, err := s.createGroup("op", params(map[string]interface{}{"name": "g1"})); err != nil {
		t.Fatal("Error creating group:", err)
	}
	if _, err := s.addGroupMember("op", params(map[string]interface{}{"group_name": "g1", "target_name": "old"})); err != nil {
		t.Fatal("Error whitelisting:", err)
	}

	result, err := s.renameTarget("op", params(map[string]interface{}{"name": "old", "new_name": "new"}))
	if err != nil {
		t.Fatal("Error renaming:", err)
	}
	if _, partial := result["errors"]; partial {
		t.Fatal("Unexpected partial failures:", result["errors"])
	}

	session, err := s.store.GetSession(sessionID)
	if err != nil {
		t.Fatal("Error loading session:", err)
	}
	if session.TargetName != "new" {
		t.Fatal("Session reference not renamed:", session.TargetName)
	}

	action, err := s.store.GetAction(actionID)
	if err != nil {
		t.Fatal("Error loading action:", err)
	}
	if action.TargetName != "new" {
		t.Fatal("Action reference not renamed:", action.TargetName)
	}

	group, err := s.store.GetGroup("g1")
	if err != nil {
		t.Fatal("Error loading group:", err)
	}
	if len(group.WhitelistMembers) != 1 || group.WhitelistMembers[0] != "new" {
		t.Fatal("Group reference not renamed:", group.WhitelistMembers)
	}

	t.Run("rename onto existing name fails", func(t *testing.T) {
		if _, err := s.createTarget("op", params(map[string]interface{}{"name": "other", "uuid": "u-2"})); err != nil {
			t.Fatal("Error creating target:", err)
		}
		_, err := s.renameTarget("op", params(map[string]interface{}{"name": "new", "new_name": "other"}))
		if model.AsAPIError(err).Type != model.ErrTypeCannotRenameTarget {
			t.Fatal("Wrong error:", err)
		}
	})
}

func TestGroupActionFanOut(t *testing.T) {
	s := testService()

	for name, include := range map[string]string{"in-1": "yes", "in-2": "yes", "out": "no"} {
		_, err := s.createTarget("op", params(map[string]interface{}{
			"name":  name,
			"uuid":  "uuid-" + name,
			"facts": map[string]interface{}{"include": include},
		}))
		if err != nil {
			t.Fatal("Error creating target:", err)
		}
	}
	if _, err := s.createGroup("op", params(map[string]interface{}{"name": "g1"})); err != nil {
		t.Fatal("Error creating group:", err)
	}
	if _, err := s.addGroupRule("op", params(map[string]interface{}{
		"name":      "g1",
		"attribute": "facts.include",
		"regex":     ".*yes.*",
	})); err != nil {
		t.Fatal("Error adding rule:", err)
	}

	result, err := s.createGroupAction("op", params(map[string]interface{}{
		"group_name":    "g1",
		"action_string": "gather -s network",
	}))
	if err != nil {
		t.Fatal("Error creating group action:", err)
	}
	doc := result["group_action"].(map[string]interface{})
	groupActionID := doc["group_action_id"].(string)
	if doc["status"] != model.GroupActionQueued {
		t.Fatal("Wrong aggregate status:", doc["status"])
	}
	memberActions := doc["actions"].([]map[string]interface{})
	if len(memberActions) != 2 {
		t.Fatal("Wrong fan-out size:", len(memberActions))
	}
	for _, actionDoc := range memberActions {
		name := actionDoc["target_name"].(string)
		if name != "in-1" && name != "in-2" {
			t.Fatal("Fan-out hit a non-member:", name)
		}
	}

	t.Run("cancel cancels all members", func(t *testing.T) {
		result, err := s.cancelGroupAction("op", params(map[string]interface{}{"group_action_id": groupActionID}))
		if err != nil {
			t.Fatal("Error cancelling:", err)
		}
		doc := result["group_action"].(map[string]interface{})
		if doc["status"] != model.GroupActionCancelled {
			t.Fatal("Wrong aggregate status:", doc["status"])
		}
		for _, actionDoc := range doc["actions"].([]map[string]interface{}) {
			if actionDoc["status"] != model.ActionCancelled {
				t.Fatal("Member not cancelled:", actionDoc["status"])
			}
		}
	})

	t.Run("empty group fans out to nothing", func(t *testing.T) {
		if _, err := s.createGroup("op", params(map[string]interface{}{"name": "empty"})); err != nil {
			t.Fatal("Error creating group:", err)
		}
		result, err := s.createGroupAction("op", params(map[string]interface{}{
			"group_name":    "empty",
			"action_string": "reset",
		}))
		if err != nil {
			t.Fatal("Error creating group action:", err)
		}
		doc := result["group_action"].(map[string]interface{})
		if doc["status"] != model.GroupActionSuccess {
			t.Fatal("Wrong aggregate for empty group:", doc["status"])
		}
	})

	t.Run("bad syntax creates nothing", func(t *testing.T) {
		before, err := s.store.ListGroupActions()
		if err != nil {
			t.Fatal("Error listing:", err)
		}
		_, err = s.createGroupAction("op", params(map[string]interface{}{
			"group_name":    "g1",
			"action_string": "detonate now",
		}))
		if model.AsAPIError(err).Type != model.ErrTypeActionSyntax {
			t.Fatal("Wrong error:", err)
		}
		after, err := s.store.ListGroupActions()
		if err != nil {
			t.Fatal("Error listing:", err)
		}
		if len(after) != len(before) {
			t.Fatal("Group action created despite syntax error")
		}
	})
}

func TestGetActionSelfHealsUnboundSession(t *testing.T) {
	s := testService()

	action := &model.Action{
		ActionID:   "a1",
		TargetName: "T1",
		SessionID:  "vanished",
		QueueTime:  model.UnixTime(),
	}
	if err := s.store.AddAction(action); err != nil {
		t.Fatal("Error adding action:", err)
	}

	_, err := s.getAction("", params(map[string]interface{}{"action_id": "a1"}))
	if err == nil {
		t.Fatal("Expected unbound-session error")
	}
	if model.AsAPIError(err).Type != model.ErrTypeActionUnboundSession {
		t.Fatal("Wrong error type:", model.AsAPIError(err).Type)
	}

	healed, err := s.store.GetAction("a1")
	if err != nil {
		t.Fatal("Error loading action:", err)
	}
	if healed.SessionID != "" {
		t.Fatal("Action not unbound")
	}

	// once healed the action is claimable again
	if _, err := s.getAction("", params(map[string]interface{}{"action_id": "a1"})); err != nil {
		t.Fatal("Error after self-heal:", err)
	}
}

func TestSessionArchivingExcludesFromTargetStatus(t *testing.T) {
	s := testService()

	if _, err := s.createTarget("op", params(map[string]interface{}{"name": "T1", "uuid": "u-1"})); err != nil {
		t.Fatal("Error creating target:", err)
	}
	created, err := s.createSession("", params(map[string]interface{}{"target_name": "T1"}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}
	sessionID := created["session_id"].(string)

	session, err := s.store.GetSession(sessionID)
	if err != nil {
		t.Fatal("Error loading session:", err)
	}
	session.Archived = true
	if err := s.store.UpdateSession(session); err != nil {
		t.Fatal("Error archiving session:", err)
	}

	result, err := s.getTarget("", params(map[string]interface{}{"name": "T1"}))
	if err != nil {
		t.Fatal("Error getting target:", err)
	}
	doc := result["target"].(map[string]interface{})
	if doc["status"] != model.SessionInactive {
		t.Fatal("Archived session still counts for status:", doc["status"])
	}
	if doc["lastseen"] != model.NeverSeen {
		t.Fatal("Archived session still counts for lastseen:", doc["lastseen"])
	}

	t.Run("check-in revives the session", func(t *testing.T) {
		if _, err := s.sessionCheckIn("", params(map[string]interface{}{"session_id": sessionID})); err != nil {
			t.Fatal("Error checking in:", err)
		}
		result, err := s.getTarget("", params(map[string]interface{}{"name": "T1"}))
		if err != nil {
			t.Fatal("Error getting target:", err)
		}
		if result["target"].(map[string]interface{})["status"] != model.SessionActive {
			t.Fatal("Revived session not counted")
		}
	})
}

func TestMigrateTarget(t *testing.T) {
	s := testService()

	if _, err := s.createTarget("op", params(map[string]interface{}{
		"name":  "old",
		"uuid":  "u-1",
		"facts": map[string]interface{}{"legacy": true},
	})); err != nil {
		t.Fatal("Error creating target:", err)
	}
	if _, err := s.createTarget("op", params(map[string]interface{}{"name": "new", "uuid": "u-2"})); err != nil {
		t.Fatal("Error creating target:", err)
	}
	created, err := s.createSession("", params(map[string]interface{}{"target_name": "old"}))
	if err != nil {
		t.Fatal("Error creating session:", err)
	}

	if _, err := s.migrateTarget("op", params(map[string]interface{}{"old_target": "old", "new_target": "new"})); err != nil {
		t.Fatal("Error migrating:", err)
	}

	if _, err := s.store.GetTarget("old"); err != storage.ErrNotFound {
		t.Fatal("Old target still exists")
	}
	session, err := s.store.GetSession(created["session_id"].(string))
	if err != nil {
		t.Fatal("Error loading session:", err)
	}
	if session.TargetName != "new" {
		t.Fatal("Session not migrated:", session.TargetName)
	}
	target, err := s.store.GetTarget("new")
	if err != nil {
		t.Fatal("Error loading target:", err)
	}
	if target.Facts["legacy"] != true {
		t.Fatal("Facts not merged in migration:", target.Facts)
	}
}
