package resolve

import "fmt"

// RuleGroup collects related rules under a namespace so a domain can ship
// its handlers as one unit without fixing their position in the chain.
type RuleGroup struct {
	Name        string
	Description string
	rules       []Rule
	subGroups   []*RuleGroup
	enabled     bool
}

// RuleGroupOption configures a RuleGroup.
type RuleGroupOption interface {
	apply(*RuleGroup)
}

type ruleGroupOptionFunc func(*RuleGroup)

func (f ruleGroupOptionFunc) apply(rg *RuleGroup) { f(rg) }

// WithDescription sets a description for the group.
func WithDescription(desc string) RuleGroupOption {
	return ruleGroupOptionFunc(func(rg *RuleGroup) { rg.Description = desc })
}

// WithEnabled enables or disables the group. A disabled group contributes
// no rules.
func WithEnabled(enabled bool) RuleGroupOption {
	return ruleGroupOptionFunc(func(rg *RuleGroup) { rg.enabled = enabled })
}

// NewRuleGroup creates an enabled, empty group.
func NewRuleGroup(name string, opts ...RuleGroupOption) *RuleGroup {
	rg := &RuleGroup{Name: name, enabled: true}
	for _, opt := range opts {
		opt.apply(rg)
	}
	return rg
}

// AddRule appends a rule, prefixing its name with the group name.
func (rg *RuleGroup) AddRule(rule Rule) *RuleGroup {
	if rule.Name != "" {
		rule.Name = fmt.Sprintf("%s.%s", rg.Name, rule.Name)
	}
	rg.rules = append(rg.rules, rule)
	return rg
}

// Handle appends a handler for a table name or "prefix*" pattern.
func (rg *RuleGroup) Handle(tableOrPrefix string, h Handler) *RuleGroup {
	return rg.AddRule(Rule{Name: tableOrPrefix, Matcher: TableMatches(tableOrPrefix), Handler: h})
}

// AddSubGroup nests a group. Its rules follow the parent's own rules.
func (rg *RuleGroup) AddSubGroup(sub *RuleGroup) *RuleGroup {
	rg.subGroups = append(rg.subGroups, sub)
	return rg
}

// Enabled reports whether the group contributes rules.
func (rg *RuleGroup) Enabled() bool { return rg.enabled }

// Flatten returns the group's rules depth first: own rules, then each
// enabled subgroup's rules with names qualified by this group's name.
func (rg *RuleGroup) Flatten() []Rule {
	if !rg.enabled {
		return nil
	}
	out := append([]Rule(nil), rg.rules...)
	for _, sub := range rg.subGroups {
		for _, r := range sub.Flatten() {
			if r.Name != "" {
				r.Name = rg.Name + "." + r.Name
			}
			out = append(out, r)
		}
	}
	return out
}
