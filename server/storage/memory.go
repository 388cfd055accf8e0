package storage

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/redpine-sec/citadel/model"
)

// MemoryStorage keeps everything in process memory behind one lock. It
// backs unit tests and development runs without an Elasticsearch server,
// and is the reference implementation for the conditional assignment
// semantics.
type MemoryStorage struct {
	mu           sync.RWMutex
	targets      map[string]*model.Target
	sessions     map[string]*model.Session
	histories    map[string]*model.SessionHistory
	actions      map[string]*model.Action
	groups       map[string]*model.Group
	groupActions map[string]*model.GroupAction
	logs         []*model.LogEntry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		targets:      make(map[string]*model.Target),
		sessions:     make(map[string]*model.Session),
		histories:    make(map[string]*model.SessionHistory),
		actions:      make(map[string]*model.Action),
		groups:       make(map[string]*model.Group),
		groupActions: make(map[string]*model.GroupAction),
	}
}

// clone deep-copies an entity through JSON so callers never share state
// with the store.
func clone(src, dst interface{}) {
	b, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		panic(err)
	}
}

//
// Targets
//

func (s *MemoryStorage) AddTarget(target *model.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.targets[target.Name]; exists {
		return ErrConflict
	}
	for _, existing := range s.targets {
		if existing.UUID == target.UUID {
			return ErrConflict
		}
	}
	stored := new(model.Target)
	clone(target, stored)
	s.targets[target.Name] = stored
	return nil
}

func (s *MemoryStorage) GetTarget(name string) (*model.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, exists := s.targets[name]
	if !exists {
		return nil, ErrNotFound
	}
	out := new(model.Target)
	clone(target, out)
	return out, nil
}

func (s *MemoryStorage) GetTargetByUUID(uuid string) (*model.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, target := range s.targets {
		if target.UUID == uuid {
			out := new(model.Target)
			clone(target, out)
			return out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetTargetByMacs(macAddrs []string) (*model.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, target := range s.targets {
		for _, mac := range target.MacAddrs {
			for _, candidate := range macAddrs {
				if mac == candidate {
					out := new(model.Target)
					clone(target, out)
					return out, nil
				}
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) UpdateTarget(target *model.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.targets[target.Name]; !exists {
		return ErrNotFound
	}
	stored := new(model.Target)
	clone(target, stored)
	s.targets[target.Name] = stored
	return nil
}

func (s *MemoryStorage) RenameTarget(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, exists := s.targets[oldName]
	if !exists {
		return ErrNotFound
	}
	if _, exists := s.targets[newName]; exists {
		return ErrConflict
	}
	delete(s.targets, oldName)
	target.Name = newName
	s.targets[newName] = target
	return nil
}

func (s *MemoryStorage) DeleteTarget(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.targets[name]; !exists {
		return ErrNotFound
	}
	delete(s.targets, name)
	return nil
}

func (s *MemoryStorage) ListTargets() ([]*model.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := make([]*model.Target, 0, len(s.targets))
	for _, target := range s.targets {
		out := new(model.Target)
		clone(target, out)
		targets = append(targets, out)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets, nil
}

//
// Sessions
//

func (s *MemoryStorage) AddSession(session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.SessionID]; exists {
		return ErrConflict
	}
	stored := new(model.Session)
	clone(session, stored)
	s.sessions[session.SessionID] = stored
	return nil
}

func (s *MemoryStorage) GetSession(sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, ErrNotFound
	}
	out := new(model.Session)
	clone(session, out)
	return out, nil
}

func (s *MemoryStorage) UpdateSession(session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.SessionID]; !exists {
		return ErrNotFound
	}
	stored := new(model.Session)
	clone(session, stored)
	s.sessions[session.SessionID] = stored
	return nil
}

func (s *MemoryStorage) ListSessions(includeArchived bool) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*model.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.Archived && !includeArchived {
			continue
		}
		out := new(model.Session)
		clone(session, out)
		sessions = append(sessions, out)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
	return sessions, nil
}

func (s *MemoryStorage) SessionsForTarget(targetName string) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []*model.Session
	for _, session := range s.sessions {
		if session.TargetName != targetName || session.Archived {
			continue
		}
		out := new(model.Session)
		clone(session, out)
		sessions = append(sessions, out)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
	return sessions, nil
}

func (s *MemoryStorage) AddCheckin(sessionID string, timestamp model.UnixTimeType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, exists := s.histories[sessionID]
	if !exists {
		history = &model.SessionHistory{SessionID: sessionID}
		s.histories[sessionID] = history
	}
	history.CheckinTimestamps = append(history.CheckinTimestamps, timestamp)
	return nil
}

func (s *MemoryStorage) GetSessionHistory(sessionID string) (*model.SessionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, exists := s.histories[sessionID]
	if !exists {
		return nil, ErrNotFound
	}
	out := new(model.SessionHistory)
	clone(history, out)
	return out, nil
}

//
// Actions
//

func (s *MemoryStorage) AddAction(action *model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addActionLocked(action)
}

func (s *MemoryStorage) AddActions(actions []*model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, action := range actions {
		if _, exists := s.actions[action.ActionID]; exists {
			return ErrConflict
		}
	}
	for _, action := range actions {
		if err := s.addActionLocked(action); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStorage) addActionLocked(action *model.Action) error {
	if _, exists := s.actions[action.ActionID]; exists {
		return ErrConflict
	}
	stored := new(model.Action)
	clone(action, stored)
	s.actions[action.ActionID] = stored
	return nil
}

func (s *MemoryStorage) GetAction(actionID string) (*model.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	action, exists := s.actions[actionID]
	if !exists {
		return nil, ErrNotFound
	}
	out := new(model.Action)
	clone(action, out)
	return out, nil
}

func (s *MemoryStorage) UpdateAction(action *model.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actions[action.ActionID]; !exists {
		return ErrNotFound
	}
	stored := new(model.Action)
	clone(action, stored)
	s.actions[action.ActionID] = stored
	return nil
}

func (s *MemoryStorage) ListActions(targetName, owner string, limit, offset int) ([]*model.Action, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*model.Action
	for _, action := range s.actions {
		if targetName != "" && action.TargetName != targetName {
			continue
		}
		if owner != "" && action.Owner != owner {
			continue
		}
		out := new(model.Action)
		clone(action, out)
		filtered = append(filtered, out)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].QueueTime < filtered[j].QueueTime })

	total := int64(len(filtered))
	if offset > len(filtered) {
		offset = len(filtered)
	}
	filtered = filtered[offset:]
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	return filtered, total, nil
}

func (s *MemoryStorage) UnassignedActions(targetName, sessionID string) ([]*model.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var unassigned []*model.Action
	for _, action := range s.actions {
		if action.TargetName != targetName || action.Cancelled || action.SessionID != "" {
			continue
		}
		if action.BoundSessionID != "" && action.BoundSessionID != sessionID {
			continue
		}
		out := new(model.Action)
		clone(action, out)
		unassigned = append(unassigned, out)
	}
	sort.Slice(unassigned, func(i, j int) bool { return unassigned[i].QueueTime < unassigned[j].QueueTime })
	return unassigned, nil
}

// AssignAction conditionally binds an action to a session. The update only
// succeeds while session_id is unset, so two concurrent check-ins can
// never both claim the same action.
func (s *MemoryStorage) AssignAction(actionID, sessionID string, now model.UnixTimeType) (*model.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	action, exists := s.actions[actionID]
	if !exists {
		return nil, ErrNotFound
	}
	if action.Cancelled || action.SessionID != "" {
		return nil, ErrAssignConflict
	}
	action.SessionID = sessionID
	action.SentTime = now

	out := new(model.Action)
	clone(action, out)
	return out, nil
}

//
// Groups
//

func (s *MemoryStorage) AddGroup(group *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[group.Name]; exists {
		return ErrConflict
	}
	stored := new(model.Group)
	clone(group, stored)
	s.groups[group.Name] = stored
	return nil
}

func (s *MemoryStorage) GetGroup(name string) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, exists := s.groups[name]
	if !exists {
		return nil, ErrNotFound
	}
	out := new(model.Group)
	clone(group, out)
	return out, nil
}

func (s *MemoryStorage) UpdateGroup(group *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[group.Name]; !exists {
		return ErrNotFound
	}
	stored := new(model.Group)
	clone(group, stored)
	s.groups[group.Name] = stored
	return nil
}

func (s *MemoryStorage) DeleteGroup(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[name]; !exists {
		return ErrNotFound
	}
	delete(s.groups, name)
	return nil
}

func (s *MemoryStorage) ListGroups() ([]*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make([]*model.Group, 0, len(s.groups))
	for _, group := range s.groups {
		out := new(model.Group)
		clone(group, out)
		groups = append(groups, out)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

//
// Group actions
//

func (s *MemoryStorage) AddGroupAction(groupAction *model.GroupAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groupActions[groupAction.GroupActionID]; exists {
		return ErrConflict
	}
	stored := new(model.GroupAction)
	clone(groupAction, stored)
	s.groupActions[groupAction.GroupActionID] = stored
	return nil
}

func (s *MemoryStorage) GetGroupAction(groupActionID string) (*model.GroupAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groupAction, exists := s.groupActions[groupActionID]
	if !exists {
		return nil, ErrNotFound
	}
	out := new(model.GroupAction)
	clone(groupAction, out)
	return out, nil
}

func (s *MemoryStorage) UpdateGroupAction(groupAction *model.GroupAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groupActions[groupAction.GroupActionID]; !exists {
		return ErrNotFound
	}
	stored := new(model.GroupAction)
	clone(groupAction, stored)
	s.groupActions[groupAction.GroupActionID] = stored
	return nil
}

func (s *MemoryStorage) ListGroupActions() ([]*model.GroupAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groupActions := make([]*model.GroupAction, 0, len(s.groupActions))
	for _, groupAction := range s.groupActions {
		out := new(model.GroupAction)
		clone(groupAction, out)
		groupActions = append(groupActions, out)
	}
	sort.Slice(groupActions, func(i, j int) bool {
		return groupActions[i].GroupActionID < groupActions[j].GroupActionID
	})
	return groupActions, nil
}

//
// Logs
//

func (s *MemoryStorage) AddLog(entry *model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := new(model.LogEntry)
	clone(entry, stored)
	s.logs = append(s.logs, stored)
	return nil
}

func (s *MemoryStorage) ListLogs(application string, since model.UnixTimeType) ([]*model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*model.LogEntry
	for _, entry := range s.logs {
		if application != "" && entry.Application != application {
			continue
		}
		if entry.Timestamp < since {
			continue
		}
		out := new(model.LogEntry)
		clone(entry, out)
		entries = append(entries, out)
	}
	return entries, nil
}
