package main

import (
	uuid "github.com/satori/go.uuid"

	"github.com/redpine-sec/citadel/model"
	"github.com/redpine-sec/citadel/server/storage"
)

func (s *service) createGroup(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}

	group := &model.Group{
		Name:             name,
		WhitelistMembers: []string{},
		BlacklistMembers: []string{},
		MembershipRules:  []model.GroupRule{},
		BuiltMembers:     []string{},
	}
	if err := s.store.AddGroup(group); err != nil {
		if err == storage.ErrConflict {
			return nil, model.NotUniqueError("group", name)
		}
		return nil, err
	}
	return map[string]interface{}{"group": group.Document()}, nil
}

func (s *service) getGroup(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	group, err := s.loadGroup(name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"group": group.Document()}, nil
}

func (s *service) listGroups(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	groups, err := s.store.ListGroups()
	if err != nil {
		return nil, err
	}
	docs := make([]map[string]interface{}, 0, len(groups))
	for _, group := range groups {
		docs = append(docs, group.Document())
	}
	return map[string]interface{}{"groups": docs}, nil
}

func (s *service) deleteGroup(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteGroup(name); err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("group", name)
		}
		return nil, err
	}
	return map[string]interface{}{}, nil
}

func (s *service) addGroupMember(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	return s.mutateMembership(params, func(group *model.Group, targetName string) error {
		if _, err := s.store.GetTarget(targetName); err != nil {
			if err == storage.ErrNotFound {
				return model.NotFoundError("target", targetName)
			}
			return err
		}
		return group.WhitelistMember(targetName)
	})
}

func (s *service) removeGroupMember(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	return s.mutateMembership(params, func(group *model.Group, targetName string) error {
		return group.RemoveMember(targetName)
	})
}

func (s *service) blacklistGroupMember(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	return s.mutateMembership(params, func(group *model.Group, targetName string) error {
		group.BlacklistMember(targetName)
		return nil
	})
}

func (s *service) unblacklistGroupMember(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	return s.mutateMembership(params, func(group *model.Group, targetName string) error {
		return group.UnblacklistMember(targetName)
	})
}

// mutateMembership wraps the load-mutate-store-trigger cycle shared by all
// membership calls.
func (s *service) mutateMembership(params map[string]interface{}, mutate func(*model.Group, string) error) (map[string]interface{}, error) {
	groupName, err := stringParam(params, "group_name")
	if err != nil {
		return nil, err
	}
	targetName, err := stringParam(params, "target_name")
	if err != nil {
		return nil, err
	}

	group, err := s.loadGroup(groupName)
	if err != nil {
		return nil, err
	}
	if err := mutate(group, targetName); err != nil {
		return nil, err
	}
	if err := s.store.UpdateGroup(group); err != nil {
		return nil, err
	}

	s.triggerRebuild(group.Name)
	return map[string]interface{}{"group": group.Document()}, nil
}

func (s *service) addGroupRule(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	attribute, err := stringParam(params, "attribute")
	if err != nil {
		return nil, err
	}
	regex, err := stringParam(params, "regex")
	if err != nil {
		return nil, err
	}
	ruleID, err := optStringParam(params, "rule_id")
	if err != nil {
		return nil, err
	}
	if ruleID == "" {
		ruleID = uuid.NewV4().String()
	}

	group, err := s.loadGroup(name)
	if err != nil {
		return nil, err
	}
	if err := group.AddRule(model.GroupRule{RuleID: ruleID, Attribute: attribute, Regex: regex}); err != nil {
		return nil, err
	}
	if err := s.store.UpdateGroup(group); err != nil {
		return nil, err
	}

	s.triggerRebuild(group.Name)
	return map[string]interface{}{"group": group.Document(), "rule_id": ruleID}, nil
}

func (s *service) removeGroupRule(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	ruleID, err := stringParam(params, "rule_id")
	if err != nil {
		return nil, err
	}

	group, err := s.loadGroup(name)
	if err != nil {
		return nil, err
	}
	if err := group.RemoveRule(ruleID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateGroup(group); err != nil {
		return nil, err
	}

	s.triggerRebuild(group.Name)
	return map[string]interface{}{"group": group.Document()}, nil
}

func (s *service) rebuildGroupMembers(principal string, params map[string]interface{}) (map[string]interface{}, error) {
	name, err := optStringParam(params, "name")
	if err != nil {
		return nil, err
	}

	if name != "" {
		group, err := s.rebuildGroup(name)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"group": group.Document()}, nil
	}

	groups, err := s.store.ListGroups()
	if err != nil {
		return nil, err
	}
	docs := make([]map[string]interface{}, 0, len(groups))
	for _, group := range groups {
		rebuilt, err := s.rebuildGroup(group.Name)
		if err != nil {
			return nil, err
		}
		docs = append(docs, rebuilt.Document())
	}
	return map[string]interface{}{"groups": docs}, nil
}

// rebuildGroup resolves the group membership against the full target set
// and persists the result. This scans every target, keep it off hot paths.
func (s *service) rebuildGroup(name string) (*model.Group, error) {
	group, err := s.loadGroup(name)
	if err != nil {
		return nil, err
	}
	targets, err := s.store.ListTargets()
	if err != nil {
		return nil, err
	}
	if err := group.BuildMembers(targets); err != nil {
		return nil, err
	}
	if err := s.store.UpdateGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

func (s *service) loadGroup(name string) (*model.Group, error) {
	group, err := s.store.GetGroup(name)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.NotFoundError("group", name)
		}
		return nil, err
	}
	return group, nil
}
