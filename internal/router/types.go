package router

import "regexp"

// RuleFile is the on-disk (embedded) shape of the router's rule set: one
// entry per source, each carrying one or more case-insensitive trigger
// regexes. Grounded on policy_engine/types.go's
// PolicyEngineClassificationFile/Classification/Pattern shape, narrowed from
// PII classification to query-routing rules.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one source's trigger set before regex compilation.
type RuleSpec struct {
	Source   string   `yaml:"source"`
	Patterns []string `yaml:"patterns"`
}

// Rule is a RuleSpec with its patterns compiled, ready to match against
// query text.
type Rule struct {
	Source   string
	Patterns []*regexp.Regexp
}

// Matches reports whether any of the rule's patterns match text.
func (r Rule) Matches(text string) bool {
	for _, p := range r.Patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Compile turns a RuleFile into ready-to-match Rules, case-insensitively.
func Compile(file RuleFile) ([]Rule, error) {
	rules := make([]Rule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		compiled := make([]*regexp.Regexp, 0, len(spec.Patterns))
		for _, pat := range spec.Patterns {
			re, err := regexp.Compile("(?i)" + pat)
			if err != nil {
				return nil, err
			}
			compiled = append(compiled, re)
		}
		rules = append(rules, Rule{Source: spec.Source, Patterns: compiled})
	}
	return rules, nil
}
