package model

import (
	"regexp"
	"sort"
)

// GroupRule dynamically matches targets into a group by regex over an
// attribute path.
type GroupRule struct {
	RuleID    string `json:"rule_id"`
	Attribute string `json:"attribute"`
	Regex     string `json:"regex"`
}

// Group is a named set of targets. Membership is
// (rule matches ∪ whitelist) − blacklist, resolved into BuiltMembers and
// cached there until the next rebuild.
type Group struct {
	Name             string      `json:"name"`
	WhitelistMembers []string    `json:"whitelist_members"`
	BlacklistMembers []string    `json:"blacklist_members"`
	MembershipRules  []GroupRule `json:"membership_rules"`
	BuiltMembers     []string    `json:"built_members"`
}

// MatchesRules reports whether any rule matches the target. Rules combine
// with OR semantics.
func (g *Group) MatchesRules(target *Target) (bool, error) {
	for _, rule := range g.MembershipRules {
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			return false, ValidationError("bad regex in rule %s of group %s: %s", rule.RuleID, g.Name, err)
		}
		for _, value := range target.AttributeStrings(rule.Attribute) {
			if re.MatchString(value) {
				return true, nil
			}
		}
	}
	return false, nil
}

// BuildMembers resolves membership against the given candidate targets and
// caches the result. The blacklist always wins.
func (g *Group) BuildMembers(targets []*Target) error {
	members := make(map[string]bool, len(g.WhitelistMembers))
	for _, name := range g.WhitelistMembers {
		members[name] = true
	}
	for _, target := range targets {
		if members[target.Name] {
			continue
		}
		matched, err := g.MatchesRules(target)
		if err != nil {
			return err
		}
		if matched {
			members[target.Name] = true
		}
	}
	for _, name := range g.BlacklistMembers {
		delete(members, name)
	}

	built := make([]string, 0, len(members))
	for name := range members {
		built = append(built, name)
	}
	sort.Strings(built)
	g.BuiltMembers = built
	return nil
}

// WhitelistMember explicitly adds a target to the group. Fails when the
// target is blacklisted: a name can never be on both lists.
func (g *Group) WhitelistMember(name string) error {
	if contains(g.BlacklistMembers, name) {
		return MembershipError("%s is blacklisted from group %s", name, g.Name)
	}
	if contains(g.WhitelistMembers, name) {
		return nil
	}
	g.WhitelistMembers = append(g.WhitelistMembers, name)
	return nil
}

// RemoveMember removes a target from the whitelist.
func (g *Group) RemoveMember(name string) error {
	if !contains(g.WhitelistMembers, name) {
		return MembershipError("%s is not whitelisted in group %s", name, g.Name)
	}
	g.WhitelistMembers = remove(g.WhitelistMembers, name)
	return nil
}

// BlacklistMember excludes a target from the group, removing it from the
// whitelist first if present.
func (g *Group) BlacklistMember(name string) {
	g.WhitelistMembers = remove(g.WhitelistMembers, name)
	if !contains(g.BlacklistMembers, name) {
		g.BlacklistMembers = append(g.BlacklistMembers, name)
	}
}

// UnblacklistMember lifts the exclusion again.
func (g *Group) UnblacklistMember(name string) error {
	if !contains(g.BlacklistMembers, name) {
		return MembershipError("%s is not blacklisted in group %s", name, g.Name)
	}
	g.BlacklistMembers = remove(g.BlacklistMembers, name)
	return nil
}

// AddRule appends a membership rule after validating the regex.
func (g *Group) AddRule(rule GroupRule) error {
	if _, err := regexp.Compile(rule.Regex); err != nil {
		return ValidationError("bad regex %q: %s", rule.Regex, err)
	}
	for _, existing := range g.MembershipRules {
		if existing.RuleID == rule.RuleID {
			return NotUniqueError("rule_id", rule.RuleID)
		}
	}
	g.MembershipRules = append(g.MembershipRules, rule)
	return nil
}

// RemoveRule deletes a membership rule by id.
func (g *Group) RemoveRule(ruleID string) error {
	for i, rule := range g.MembershipRules {
		if rule.RuleID == ruleID {
			g.MembershipRules = append(g.MembershipRules[:i], g.MembershipRules[i+1:]...)
			return nil
		}
	}
	return NotFoundError("rule", ruleID)
}

// RenameMember rewrites every occurrence of a target name in the member
// lists and cache. Used by the target rename fan-out.
func (g *Group) RenameMember(oldName, newName string) bool {
	changed := false
	for _, list := range [][]string{g.WhitelistMembers, g.BlacklistMembers, g.BuiltMembers} {
		for i, name := range list {
			if name == oldName {
				list[i] = newName
				changed = true
			}
		}
	}
	return changed
}

// Document returns the API representation of the group.
func (g *Group) Document() map[string]interface{} {
	return map[string]interface{}{
		"name":              g.Name,
		"whitelist_members": g.WhitelistMembers,
		"blacklist_members": g.BlacklistMembers,
		"membership_rules":  g.MembershipRules,
		"members":           g.BuiltMembers,
	}
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}

func remove(list []string, name string) []string {
	out := list[:0]
	for _, item := range list {
		if item != name {
			out = append(out, item)
		}
	}
	return out
}
