package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rule maps descriptors satisfying Match to Class. Rules are evaluated in
// order and the first match wins.
type Rule struct {
	Name  string `yaml:"name"`
	Class Class  `yaml:"class"`
	Match Match  `yaml:"match"`
}

// Match is a conjunction of the predicates that are set. List predicates
// match when any element matches. String comparisons in the *_contains
// predicates ignore case.
type Match struct {
	IDIn                []string `yaml:"id_in,omitempty"`
	IDPrefix            []string `yaml:"id_prefix,omitempty"`
	IDSuffix            []string `yaml:"id_suffix,omitempty"`
	NameContains        []string `yaml:"name_contains,omitempty"`
	DescriptionContains []string `yaml:"description_contains,omitempty"`
	Cloaked             *bool    `yaml:"cloaked,omitempty"`
	ZeroPrice           *bool    `yaml:"zero_price,omitempty"`
	NegativePrice       *bool    `yaml:"negative_price,omitempty"`
	MaxPromptPrice      string   `yaml:"max_prompt_price,omitempty"`
	ModalityContains    []string `yaml:"modality_contains,omitempty"`
}

func (m Match) empty() bool {
	return len(m.IDIn) == 0 && len(m.IDPrefix) == 0 && len(m.IDSuffix) == 0 &&
		len(m.NameContains) == 0 && len(m.DescriptionContains) == 0 &&
		m.Cloaked == nil && m.ZeroPrice == nil && m.NegativePrice == nil &&
		m.MaxPromptPrice == "" && len(m.ModalityContains) == 0
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a rules.yaml document. The result still needs to go
// through NewClassifier for validation.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, errors.New("rules file defines no rules")
	}
	return f.Rules, nil
}

var metaRouterIDs = []string{
	"openrouter/auto",
	"openrouter/free",
	"openrouter/bodybuilder",
	"switchpoint/router",
}

// DefaultRules is the table used when no rules file is present. Explicit
// stealth signals come before zero-price inference.
func DefaultRules() []Rule {
	yes := func() *bool { b := true; return &b }
	stealthWords := []string{"cloaked", "stealth"}
	return []Rule{
		{Name: "meta-router", Class: ClassExcluded, Match: Match{IDIn: metaRouterIDs}},
		{Name: "negative-price", Class: ClassExcluded, Match: Match{NegativePrice: yes()}},
		{Name: "cloak-flag", Class: ClassStealth, Match: Match{Cloaked: yes()}},
		{Name: "stealth-id-prefix", Class: ClassStealth, Match: Match{IDPrefix: []string{"stealth/"}}},
		{Name: "stealth-name", Class: ClassStealth, Match: Match{NameContains: stealthWords}},
		{Name: "stealth-description", Class: ClassStealth, Match: Match{DescriptionContains: stealthWords}},
		{Name: "free-suffix", Class: ClassFree, Match: Match{IDSuffix: []string{":free"}}},
		{Name: "zero-price", Class: ClassFree, Match: Match{ZeroPrice: yes()}},
	}
}

type compiledRule struct {
	Rule
	maxPromptPrice *decimal.Decimal
}

// Classifier partitions descriptors with an ordered rule table. It is
// immutable and safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier validates rules and compiles them. Unknown classes, empty
// match blocks and malformed decimals are rejected.
func NewClassifier(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		return nil, errors.New("classifier needs at least one rule")
	}
	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if _, err := ParseClass(string(r.Class)); err != nil {
			return nil, fmt.Errorf("rule %s: %w", label, err)
		}
		if r.Match.empty() {
			return nil, fmt.Errorf("rule %s: empty match block", label)
		}
		cr := compiledRule{Rule: r}
		cr.Name = label
		if r.Match.MaxPromptPrice != "" {
			v, err := decimal.NewFromString(r.Match.MaxPromptPrice)
			if err != nil {
				return nil, fmt.Errorf("rule %s: max_prompt_price %q: %w", label, r.Match.MaxPromptPrice, err)
			}
			cr.maxPromptPrice = &v
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// NewDefaultClassifier returns a classifier over DefaultRules.
func NewDefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the class of the first matching rule, or ClassExcluded.
func (c *Classifier) Classify(d Descriptor) Class {
	class, _ := c.Explain(d)
	return class
}

// Explain is Classify plus the name of the deciding rule ("" when nothing matched).
func (c *Classifier) Explain(d Descriptor) (Class, string) {
	for _, r := range c.rules {
		if r.matches(d) {
			return r.Class, r.Name
		}
	}
	return ClassExcluded, ""
}

// Rules returns a copy of the rule table in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Rule
	}
	return out
}

func (r compiledRule) matches(d Descriptor) bool {
	m := r.Match
	if len(m.IDIn) > 0 && !anyOf(m.IDIn, func(s string) bool { return d.ID == s }) {
		return false
	}
	if len(m.IDPrefix) > 0 && !anyOf(m.IDPrefix, func(s string) bool { return strings.HasPrefix(d.ID, s) }) {
		return false
	}
	if len(m.IDSuffix) > 0 && !anyOf(m.IDSuffix, func(s string) bool { return strings.HasSuffix(d.ID, s) }) {
		return false
	}
	if len(m.NameContains) > 0 && !containsAnyFold(d.Name, m.NameContains) {
		return false
	}
	if len(m.DescriptionContains) > 0 && !containsAnyFold(d.Description, m.DescriptionContains) {
		return false
	}
	if len(m.ModalityContains) > 0 {
		modality := ""
		if d.Architecture != nil {
			modality = d.Architecture.Modality
		}
		if !containsAnyFold(modality, m.ModalityContains) {
			return false
		}
	}
	if m.Cloaked != nil {
		cloaked := d.Cloaked != nil && *d.Cloaked
		if cloaked != *m.Cloaked {
			return false
		}
	}
	if m.ZeroPrice != nil && isZeroPrice(d) != *m.ZeroPrice {
		return false
	}
	if m.NegativePrice != nil && isNegativePrice(d) != *m.NegativePrice {
		return false
	}
	if r.maxPromptPrice != nil {
		p, ok := d.PromptPrice()
		if !ok || p.GreaterThan(*r.maxPromptPrice) {
			return false
		}
	}
	return true
}

func isZeroPrice(d Descriptor) bool {
	prompt, ok1 := d.PromptPrice()
	completion, ok2 := d.CompletionPrice()
	return ok1 && ok2 && prompt.IsZero() && completion.IsZero()
}

func isNegativePrice(d Descriptor) bool {
	if p, ok := d.PromptPrice(); ok && p.IsNegative() {
		return true
	}
	if p, ok := d.CompletionPrice(); ok && p.IsNegative() {
		return true
	}
	return false
}

func anyOf(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}

func containsAnyFold(s string, needles []string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
