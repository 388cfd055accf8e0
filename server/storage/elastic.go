package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/olivere/elastic"

	"github.com/redpine-sec/citadel/model"
)

const (
	indexTarget         = "target"
	indexSession        = "session"
	indexSessionHistory = "session_history"
	indexAction         = "action"
	indexGroup          = "group"
	indexGroupAction    = "group_action"
	indexLog            = "log"
	typeFixed           = "_doc"

	maxResults = 1000

	mappingTarget = `{
	    "settings" : {
	        "number_of_shards" : 1,
			"number_of_replicas": 0,
			"refresh_interval": "1s"
	    },
	    "mappings" : {
	        "_doc" : {
				"dynamic": "strict",
	            "properties" : {
					"name": { "type" : "keyword" },
					"uuid": { "type" : "keyword" },
					"mac_addrs": { "type" : "keyword" },
					"facts": { "type" : "object", "dynamic": true }
	            }
	        }
	    }
	}`
	mappingSession = `{
	    "settings" : {
	        "number_of_shards" : 1,
			"number_of_replicas": 0,
			"refresh_interval": "1s"
	    },
	    "mappings" : {
	        "_doc" : {
				"dynamic": "strict",
	            "properties" : {
					"session_id": { "type" : "keyword" },
					"target_name": { "type" : "keyword" },
					"timestamp": { "type" : "double" },
					"servers": { "type" : "keyword" },
					"interval": { "type" : "double" },
					"interval_delta": { "type" : "double" },
					"config_dict": { "type" : "object", "dynamic": true },
					"archived": { "type" : "boolean" }
	            }
	        }
	    }
	}`
	mappingSessionHistory = `{
	    "settings" : {
	        "number_of_shards" : 1,
			"number_of_replicas": 0,
			"refresh_interval": "1s"
	    },
	    "mappings" : {
	        "_doc" : {
				"dynamic": "strict",
	            "properties" : {
					"session_id": { "type" : "keyword" },
					"checkin_timestamps": { "type" : "double" }
	            }
	        }
	    }
	}`
	mappingAction = `{
	    "settings" : {
	        "number_of_shards" : 1,
			"number_of_replicas": 0,
			"refresh_interval": "1s"
	    },
	    "mappings" : {
	        "_doc" : {
				"dynamic": "strict",
	            "properties" : {
					"action_id": { "type" : "keyword" },
					"target_name": { "type" : "keyword" },
					"action_string": { "type" : "text" },
					"action_type": { "type" : "keyword" },
					"owner": { "type" : "keyword" },
					"bound_session_id": { "type" : "keyword" },
					"session_id": { "type" : "keyword" },
					"command": { "type" : "keyword" },
					"args": { "type" : "keyword" },
					"start_time": { "type" : "double" },
					"teamserver_path": { "type" : "keyword" },
					"remote_path": { "type" : "keyword" },
					"subset": { "type" : "keyword" },
					"config": { "type" : "object", "dynamic": true },
					"queue_time": { "type" : "double" },
					"sent_time": { "type" : "double" },
					"complete_time": { "type" : "double" },
					"cancel_time": { "type" : "double" },
					"cancelled": { "type" : "boolean" },
					"response": {
						"properties": {
							"stdout": { "type" : "text" },
							"stderr": { "type" : "text" },
							"start_time": { "type" : "double" },
							"end_time": { "type" : "double" },
							"error": { "type" : "boolean" }
						}
					}
	            }
	        }
	    }
	}`
	mappingGroup = `{
	    "settings" : {
	        "number_of_shards" : 1,
			"number_of_replicas": 0,
			"refresh_interval": "1s"
	    },
	    "mappings" : {
	        "_doc" : {
				"dynamic": "strict",
	            "properties" : {
					"name": { "type" : "keyword" },
					"whitelist_members": { "type" : "keyword" },
					"blacklist_members": { "type" : "keyword" },
					"membership_rules": {
						"properties": {
							"rule_id": { "type" : "keyword" },
							"attribute": { "type" : "keyword" },
							"regex": { "type" : "keyword" }
						}
					},
					"built_members": { "type" : "keyword" }
	            }
	        }
	    }
	}`
	mappingGroupAction = `{
	    "settings" : {
	        "number_of_shards" : 1,
			"number_of_replicas": 0,
			"refresh_interval": "1s"
	    },
	    "mappings" : {
	        "_doc" : {
				"dynamic": "strict",
	            "properties" : {
					"group_action_id": { "type" : "keyword" },
					"action_string": { "type" : "text" },
					"owner": { "type" : "keyword" },
					"action_ids": { "type" : "keyword" },
					"cancelled": { "type" : "boolean" }
	            }
	        }
	    }
	}`
	mappingLog = `{
	    "settings" : {
	        "number_of_shards" : 1,
			"number_of_replicas": 0,
			"refresh_interval": "1s"
	    },
	    "mappings" : {
	        "_doc" : {
				"dynamic": "strict",
	            "properties" : {
					"application": { "type" : "keyword" },
					"level": { "type" : "keyword" },
					"message": { "type" : "text" },
					"timestamp": { "type" : "double" }
	            }
	        }
	    }
	}`
)

// ElasticStorage persists entities in Elasticsearch, one index per
// collection. Document ids are the entity keys, so uniqueness is enforced
// with create-only indexing, and assignment uses the document version for
// compare-and-swap.
type ElasticStorage struct {
	client *elastic.Client
	ctx    context.Context
}

func NewElasticStorage(url string) (*ElasticStorage, error) {
	ctx := context.Background()

	client, err := elastic.NewSimpleClient(elastic.SetURL(url))
	if err != nil {
		return nil, err
	}

	info, code, err := client.Ping(url).Do(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("Elasticsearch returned with code %d and version %s", code, info.Version.Number)

	s := ElasticStorage{
		ctx:    ctx,
		client: client,
	}

	for index, mapping := range map[string]string{
		indexTarget:         mappingTarget,
		indexSession:        mappingSession,
		indexSessionHistory: mappingSessionHistory,
		indexAction:         mappingAction,
		indexGroup:          mappingGroup,
		indexGroupAction:    mappingGroupAction,
		indexLog:            mappingLog,
	} {
		if err := s.createIndex(index, mapping); err != nil {
			return nil, err
		}
	}

	return &s, nil
}

func (s *ElasticStorage) createIndex(index, mapping string) error {
	exists, err := s.client.IndexExists(index).Do(s.ctx)
	if err != nil {
		return fmt.Errorf("error checking index: %s", err)
	}
	if !exists {
		createIndex, err := s.client.CreateIndex(index).BodyString(mapping).Do(s.ctx)
		if err != nil {
			return fmt.Errorf("error creating index %s: %s", index, err)
		}
		if !createIndex.Acknowledged {
			log.Printf("Did not acknowledge creation of index: %s", index)
		}
		log.Printf("Created index: %s", index)
	}
	return nil
}

// create indexes a new document, mapping version conflicts to ErrConflict.
func (s *ElasticStorage) create(index, id string, body interface{}) error {
	_, err := s.client.Index().Index(index).Type(typeFixed).
		Id(id).OpType("create").Refresh("true").BodyJson(body).Do(s.ctx)
	if elastic.IsConflict(err) {
		return ErrConflict
	}
	return err
}

// update overwrites an existing document.
func (s *ElasticStorage) update(index, id string, body interface{}) error {
	exists, err := s.client.Exists().Index(index).Type(typeFixed).Id(id).Do(s.ctx)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	_, err = s.client.Index().Index(index).Type(typeFixed).
		Id(id).Refresh("true").BodyJson(body).Do(s.ctx)
	return err
}

// get unmarshals a document into out.
func (s *ElasticStorage) get(index, id string, out interface{}) error {
	res, err := s.client.Get().Index(index).Type(typeFixed).Id(id).Do(s.ctx)
	if elastic.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(*res.Source, out)
}

func (s *ElasticStorage) delete(index, id string) error {
	_, err := s.client.Delete().Index(index).Type(typeFixed).Id(id).Refresh("true").Do(s.ctx)
	if elastic.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}

// search runs a query and hands each hit's source to the collect callback.
func (s *ElasticStorage) search(index string, query elastic.Query, sortField string, sortAsc bool,
	from, size int, collect func(json.RawMessage) error) (int64, error) {

	service := s.client.Search().Index(index).Type(typeFixed).From(from).Size(size)
	if query != nil {
		service = service.Query(query)
	}
	if sortField != "" {
		service = service.Sort(sortField, sortAsc)
	}
	searchResult, err := service.Do(s.ctx)
	if err != nil {
		return 0, err
	}
	for _, hit := range searchResult.Hits.Hits {
		if err := collect(*hit.Source); err != nil {
			return 0, err
		}
	}
	return searchResult.Hits.TotalHits, nil
}

//
// Targets
//

func (s *ElasticStorage) AddTarget(target *model.Target) error {
	if _, err := s.GetTargetByUUID(target.UUID); err == nil {
		return ErrConflict
	}
	return s.create(indexTarget, target.Name, target)
}

func (s *ElasticStorage) GetTarget(name string) (*model.Target, error) {
	var target model.Target
	if err := s.get(indexTarget, name, &target); err != nil {
		return nil, err
	}
	return &target, nil
}

func (s *ElasticStorage) GetTargetByUUID(uuid string) (*model.Target, error) {
	return s.searchOneTarget(elastic.NewTermQuery("uuid", uuid))
}

func (s *ElasticStorage) GetTargetByMacs(macAddrs []string) (*model.Target, error) {
	values := make([]interface{}, len(macAddrs))
	for i, mac := range macAddrs {
		values[i] = mac
	}
	return s.searchOneTarget(elastic.NewTermsQuery("mac_addrs", values...))
}

func (s *ElasticStorage) searchOneTarget(query elastic.Query) (*model.Target, error) {
	var target *model.Target
	total, err := s.search(indexTarget, query, "", true, 0, 1, func(source json.RawMessage) error {
		target = new(model.Target)
		return json.Unmarshal(source, target)
	})
	if err != nil {
		return nil, err
	}
	if total == 0 || target == nil {
		return nil, ErrNotFound
	}
	return target, nil
}

func (s *ElasticStorage) UpdateTarget(target *model.Target) error {
	return s.update(indexTarget, target.Name, target)
}

func (s *ElasticStorage) RenameTarget(oldName, newName string) error {
	target, err := s.GetTarget(oldName)
	if err != nil {
		return err
	}
	target.Name = newName
	if err := s.create(indexTarget, newName, target); err != nil {
		return err
	}
	return s.delete(indexTarget, oldName)
}

func (s *ElasticStorage) DeleteTarget(name string) error {
	return s.delete(indexTarget, name)
}

func (s *ElasticStorage) ListTargets() ([]*model.Target, error) {
	var targets []*model.Target
	_, err := s.search(indexTarget, nil, "name", true, 0, maxResults, func(source json.RawMessage) error {
		var target model.Target
		if err := json.Unmarshal(source, &target); err != nil {
			return err
		}
		targets = append(targets, &target)
		return nil
	})
	return targets, err
}

//
// Sessions
//

func (s *ElasticStorage) AddSession(session *model.Session) error {
	return s.create(indexSession, session.SessionID, session)
}

func (s *ElasticStorage) GetSession(sessionID string) (*model.Session, error) {
	var session model.Session
	if err := s.get(indexSession, sessionID, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *ElasticStorage) UpdateSession(session *model.Session) error {
	return s.update(indexSession, session.SessionID, session)
}

func (s *ElasticStorage) ListSessions(includeArchived bool) ([]*model.Session, error) {
	var query elastic.Query
	if !includeArchived {
		query = elastic.NewTermQuery("archived", false)
	}
	return s.searchSessions(query)
}

func (s *ElasticStorage) SessionsForTarget(targetName string) ([]*model.Session, error) {
	query := elastic.NewBoolQuery().
		Must(elastic.NewTermQuery("target_name", targetName)).
		Must(elastic.NewTermQuery("archived", false))
	return s.searchSessions(query)
}

func (s *ElasticStorage) searchSessions(query elastic.Query) ([]*model.Session, error) {
	var sessions []*model.Session
	_, err := s.search(indexSession, query, "session_id", true, 0, maxResults, func(source json.RawMessage) error {
		var session model.Session
		if err := json.Unmarshal(source, &session); err != nil {
			return err
		}
		sessions = append(sessions, &session)
		return nil
	})
	return sessions, err
}

func (s *ElasticStorage) AddCheckin(sessionID string, timestamp model.UnixTimeType) error {
	var history model.SessionHistory
	err := s.get(indexSessionHistory, sessionID, &history)
	if err == ErrNotFound {
		history = model.SessionHistory{SessionID: sessionID}
	} else if err != nil {
		return err
	}
	history.CheckinTimestamps = append(history.CheckinTimestamps, timestamp)
	_, err = s.client.Index().Index(indexSessionHistory).Type(typeFixed).
		Id(sessionID).Refresh("true").BodyJson(&history).Do(s.ctx)
	return err
}

func (s *ElasticStorage) GetSessionHistory(sessionID string) (*model.SessionHistory, error) {
	var history model.SessionHistory
	if err := s.get(indexSessionHistory, sessionID, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

//
// Actions
//

func (s *ElasticStorage) AddAction(action *model.Action) error {
	return s.create(indexAction, action.ActionID, action)
}

func (s *ElasticStorage) AddActions(actions []*model.Action) error {
	for _, action := range actions {
		if err := s.create(indexAction, action.ActionID, action); err != nil {
			return err
		}
	}
	return nil
}

func (s *ElasticStorage) GetAction(actionID string) (*model.Action, error) {
	var action model.Action
	if err := s.get(indexAction, actionID, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

func (s *ElasticStorage) UpdateAction(action *model.Action) error {
	return s.update(indexAction, action.ActionID, action)
}

func (s *ElasticStorage) ListActions(targetName, owner string, limit, offset int) ([]*model.Action, int64, error) {
	boolQuery := elastic.NewBoolQuery()
	if targetName != "" {
		boolQuery = boolQuery.Must(elastic.NewTermQuery("target_name", targetName))
	}
	if owner != "" {
		boolQuery = boolQuery.Must(elastic.NewTermQuery("owner", owner))
	}
	if limit <= 0 {
		limit = maxResults
	}

	var actions []*model.Action
	total, err := s.search(indexAction, boolQuery, "queue_time", true, offset, limit, func(source json.RawMessage) error {
		var action model.Action
		if err := json.Unmarshal(source, &action); err != nil {
			return err
		}
		actions = append(actions, &action)
		return nil
	})
	return actions, total, err
}

func (s *ElasticStorage) UnassignedActions(targetName, sessionID string) ([]*model.Action, error) {
	query := elastic.NewBoolQuery().
		Must(elastic.NewTermQuery("target_name", targetName)).
		Must(elastic.NewTermQuery("cancelled", false)).
		MustNot(elastic.NewExistsQuery("session_id")).
		Must(elastic.NewBoolQuery().
			Should(
				elastic.NewBoolQuery().MustNot(elastic.NewExistsQuery("bound_session_id")),
				elastic.NewTermQuery("bound_session_id", sessionID),
			).
			MinimumNumberShouldMatch(1))

	var actions []*model.Action
	_, err := s.search(indexAction, query, "queue_time", true, 0, maxResults, func(source json.RawMessage) error {
		var action model.Action
		if err := json.Unmarshal(source, &action); err != nil {
			return err
		}
		actions = append(actions, &action)
		return nil
	})
	return actions, err
}

// AssignAction binds an action to a session with a versioned write: the
// document is re-indexed with the version it was read at, so a concurrent
// assignment makes this one fail with ErrAssignConflict.
func (s *ElasticStorage) AssignAction(actionID, sessionID string, now model.UnixTimeType) (*model.Action, error) {
	res, err := s.client.Get().Index(indexAction).Type(typeFixed).Id(actionID).Do(s.ctx)
	if elastic.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var action model.Action
	if err := json.Unmarshal(*res.Source, &action); err != nil {
		return nil, err
	}
	if action.Cancelled || action.SessionID != "" {
		return nil, ErrAssignConflict
	}
	action.SessionID = sessionID
	action.SentTime = now

	version := int64(0)
	if res.Version != nil {
		version = *res.Version
	}
	_, err = s.client.Index().Index(indexAction).Type(typeFixed).
		Id(actionID).Version(version).VersionType("internal").
		Refresh("true").BodyJson(&action).Do(s.ctx)
	if elastic.IsConflict(err) {
		return nil, ErrAssignConflict
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}

//
// Groups
//

func (s *ElasticStorage) AddGroup(group *model.Group) error {
	return s.create(indexGroup, group.Name, group)
}

func (s *ElasticStorage) GetGroup(name string) (*model.Group, error) {
	var group model.Group
	if err := s.get(indexGroup, name, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *ElasticStorage) UpdateGroup(group *model.Group) error {
	return s.update(indexGroup, group.Name, group)
}

func (s *ElasticStorage) DeleteGroup(name string) error {
	return s.delete(indexGroup, name)
}

func (s *ElasticStorage) ListGroups() ([]*model.Group, error) {
	var groups []*model.Group
	_, err := s.search(indexGroup, nil, "name", true, 0, maxResults, func(source json.RawMessage) error {
		var group model.Group
		if err := json.Unmarshal(source, &group); err != nil {
			return err
		}
		groups = append(groups, &group)
		return nil
	})
	return groups, err
}

//
// Group actions
//

func (s *ElasticStorage) AddGroupAction(groupAction *model.GroupAction) error {
	return s.create(indexGroupAction, groupAction.GroupActionID, groupAction)
}

func (s *ElasticStorage) GetGroupAction(groupActionID string) (*model.GroupAction, error) {
	var groupAction model.GroupAction
	if err := s.get(indexGroupAction, groupActionID, &groupAction); err != nil {
		return nil, err
	}
	return &groupAction, nil
}

func (s *ElasticStorage) UpdateGroupAction(groupAction *model.GroupAction) error {
	return s.update(indexGroupAction, groupAction.GroupActionID, groupAction)
}

func (s *ElasticStorage) ListGroupActions() ([]*model.GroupAction, error) {
	var groupActions []*model.GroupAction
	_, err := s.search(indexGroupAction, nil, "group_action_id", true, 0, maxResults, func(source json.RawMessage) error {
		var groupAction model.GroupAction
		if err := json.Unmarshal(source, &groupAction); err != nil {
			return err
		}
		groupActions = append(groupActions, &groupAction)
		return nil
	})
	return groupActions, err
}

//
// Logs
//

func (s *ElasticStorage) AddLog(entry *model.LogEntry) error {
	_, err := s.client.Index().Index(indexLog).Type(typeFixed).BodyJson(entry).Do(s.ctx)
	return err
}

func (s *ElasticStorage) ListLogs(application string, since model.UnixTimeType) ([]*model.LogEntry, error) {
	boolQuery := elastic.NewBoolQuery().
		Must(elastic.NewRangeQuery("timestamp").Gte(float64(since)))
	if application != "" {
		boolQuery = boolQuery.Must(elastic.NewTermQuery("application", application))
	}

	var entries []*model.LogEntry
	_, err := s.search(indexLog, boolQuery, "timestamp", true, 0, maxResults, func(source json.RawMessage) error {
		var entry model.LogEntry
		if err := json.Unmarshal(source, &entry); err != nil {
			return err
		}
		entries = append(entries, &entry)
		return nil
	})
	return entries, err
}
