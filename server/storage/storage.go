package storage

import (
	"errors"

	"github.com/redpine-sec/citadel/model"
)

// Storage errors. The service maps these onto the API error taxonomy.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrConflict       = errors.New("storage: key is not unique")
	ErrAssignConflict = errors.New("storage: action already assigned")
)

// Storage is the persistence boundary of the teamserver. Every entity
// mutation is read-modify-write through this interface; AssignAction is
// the one conditional update (succeeds only while session_id is unset) so
// that concurrent check-ins can never double-dispatch an action.
type Storage interface {
	// Targets
	AddTarget(target *model.Target) error
	GetTarget(name string) (*model.Target, error)
	GetTargetByUUID(uuid string) (*model.Target, error)
	GetTargetByMacs(macAddrs []string) (*model.Target, error)
	UpdateTarget(target *model.Target) error
	RenameTarget(oldName, newName string) error
	DeleteTarget(name string) error
	ListTargets() ([]*model.Target, error)

	// Sessions
	AddSession(session *model.Session) error
	GetSession(sessionID string) (*model.Session, error)
	UpdateSession(session *model.Session) error
	ListSessions(includeArchived bool) ([]*model.Session, error)
	SessionsForTarget(targetName string) ([]*model.Session, error)
	AddCheckin(sessionID string, timestamp model.UnixTimeType) error
	GetSessionHistory(sessionID string) (*model.SessionHistory, error)

	// Actions
	AddAction(action *model.Action) error
	AddActions(actions []*model.Action) error
	GetAction(actionID string) (*model.Action, error)
	UpdateAction(action *model.Action) error
	ListActions(targetName, owner string, limit, offset int) ([]*model.Action, int64, error)
	UnassignedActions(targetName, sessionID string) ([]*model.Action, error)
	AssignAction(actionID, sessionID string, now model.UnixTimeType) (*model.Action, error)

	// Groups
	AddGroup(group *model.Group) error
	GetGroup(name string) (*model.Group, error)
	UpdateGroup(group *model.Group) error
	DeleteGroup(name string) error
	ListGroups() ([]*model.Group, error)

	// Group actions
	AddGroupAction(groupAction *model.GroupAction) error
	GetGroupAction(groupActionID string) (*model.GroupAction, error)
	UpdateGroupAction(groupAction *model.GroupAction) error
	ListGroupActions() ([]*model.GroupAction, error)

	// Logs
	AddLog(entry *model.LogEntry) error
	ListLogs(application string, since model.UnixTimeType) ([]*model.LogEntry, error)
}
