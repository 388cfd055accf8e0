package main

import (
	"log"

	"github.com/redpine-sec/citadel/model"
	"github.com/redpine-sec/citadel/server/storage"
)

// service is the teamserver core. It is stateless between requests: every
// mutation is read-modify-write through the storage layer, the only
// in-process state is the event bus and the group rebuild queue.
type service struct {
	store   storage.Storage
	events  *eventBus
	tuning  *model.Tuning
	rebuild chan string
}

func newService(store storage.Storage, events *eventBus, tuning *model.Tuning) *service {
	return &service{
		store:   store,
		events:  events,
		tuning:  tuning,
		rebuild: make(chan string, 100),
	}
}

// triggerRebuild queues a group membership rebuild off the request path.
// A full queue drops the trigger; the periodic rebuild catches up.
func (s *service) triggerRebuild(groupName string) {
	select {
	case s.rebuild <- groupName:
	default:
		log.Println("rebuild queue full, dropping trigger for group:", groupName)
	}
}

// sessionCache memoizes session lookups for the duration of one request, so
// that listing many actions assigned to the same session hits storage once.
// A negative result (session gone) is cached as a nil entry.
type sessionCache struct {
	store    storage.Storage
	sessions map[string]*model.Session
}

func newSessionCache(store storage.Storage) *sessionCache {
	return &sessionCache{
		store:    store,
		sessions: make(map[string]*model.Session),
	}
}

func (c *sessionCache) get(sessionID string) (*model.Session, error) {
	if session, seen := c.sessions[sessionID]; seen {
		return session, nil
	}
	session, err := c.store.GetSession(sessionID)
	if err == storage.ErrNotFound {
		c.sessions[sessionID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.sessions[sessionID] = session
	return session, nil
}

// actionStatus derives the status of an action, resolving its assigned
// session through the cache. When the assigned session no longer exists the
// action is unbound and persisted again (self-heal); the unbound-session
// error is returned alongside the recomputed status so the caller can decide
// whether to surface it.
func (s *service) actionStatus(action *model.Action, cache *sessionCache, now model.UnixTimeType) (string, error) {
	var session *model.Session
	if action.SessionID != "" {
		var err error
		session, err = cache.get(action.SessionID)
		if err != nil {
			return "", err
		}
	}

	status, err := action.Status(session, now, s.tuning)
	if err == nil {
		return status, nil
	}

	// assigned session is gone, clear the assignment and persist
	log.Printf("WARNING: action %s references missing session %s, unbinding", action.ActionID, action.SessionID)
	action.Unbind()
	if updateErr := s.store.UpdateAction(action); updateErr != nil {
		log.Printf("error persisting unbound action %s: %s", action.ActionID, updateErr)
	}
	status, _ = action.Status(nil, now, s.tuning)
	return status, err
}

// statusCounts summarizes the store for the status endpoint.
func (s *service) statusCounts() (map[string]interface{}, error) {
	targets, err := s.store.ListTargets()
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(false)
	if err != nil {
		return nil, err
	}
	_, actionTotal, err := s.store.ListActions("", "", 1, 0)
	if err != nil {
		return nil, err
	}
	groups, err := s.store.ListGroups()
	if err != nil {
		return nil, err
	}
	groupActions, err := s.store.ListGroupActions()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"targets":       len(targets),
		"sessions":      len(sessions),
		"actions":       actionTotal,
		"groups":        len(groups),
		"group_actions": len(groupActions),
	}, nil
}
