package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk shape of a rule set file: a flat list of
// phrase-triggered canned responses, the same YAML-driven
// configuration style the rest of the router's ancestor used for its
// own config.yaml.
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Name    string   `yaml:"name"`
	Phrases []string `yaml:"phrases"`
	Reply   string   `yaml:"reply"`
	Cancel  bool     `yaml:"cancel"`
}

// LoadRuleSet reads a YAML rule file from path. An empty path returns
// an empty RuleSet (no canned acknowledgments configured) rather than
// an error, since rule set R is optional.
func LoadRuleSet(path string) (RuleSet, error) {
	if path == "" {
		return RuleSet{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("policy: read rule file %s: %w", path, err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return RuleSet{}, fmt.Errorf("policy: parse rule file %s: %w", path, err)
	}
	rs := RuleSet{Rules: make([]Rule, 0, len(f.Rules))}
	for _, e := range f.Rules {
		rs.Rules = append(rs.Rules, Rule{
			Name:    e.Name,
			Phrases: e.Phrases,
			Reply:   e.Reply,
			Cancel:  e.Cancel,
		})
	}
	return rs, nil
}
