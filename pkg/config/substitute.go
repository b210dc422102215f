package config

import (
	"fmt"
	"strings"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-hdsm/hdsm/pkg/arch"
)

// Substituter rewrites executable paths with the longest matching
// substitution rule.
type Substituter struct {
	rules *trie.Trie
}

// NewSubstituter indexes rules by prefix. When several rules share a
// prefix the one restricted to the destination architecture wins over an
// unrestricted one.
func NewSubstituter(rules SubstitutePathRules) *Substituter {
	t := trie.New()
	byPrefix := map[string][]SubstitutePathRule{}
	for _, r := range rules {
		byPrefix[r.From] = append(byPrefix[r.From], r)
	}
	for from, rs := range byPrefix {
		t.Add(from, rs)
	}
	return &Substituter{rules: t}
}

// Substitute returns the path of the executable to run on a machine of
// architecture a in place of path. Paths no rule matches are returned
// unchanged.
func (s *Substituter) Substitute(path string, a arch.Arch) string {
	for i := len(path); i > 0; i-- {
		node, ok := s.rules.Find(path[:i])
		if !ok {
			continue
		}
		if r, ok := pickRule(node.Meta().([]SubstitutePathRule), a); ok {
			return r.To + path[i:]
		}
	}
	return path
}

func pickRule(rules []SubstitutePathRule, a arch.Arch) (SubstitutePathRule, bool) {
	var fallback *SubstitutePathRule
	for i := range rules {
		switch rules[i].Arch {
		case a:
			return rules[i], true
		case arch.Unknown:
			if fallback == nil {
				fallback = &rules[i]
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return SubstitutePathRule{}, false
}

// Argv splits ExecArgs the way a shell would. Pipes, redirections and
// backticks are rejected.
func (c *Config) Argv() ([]string, error) {
	if strings.TrimSpace(c.ExecArgs) == "" {
		return nil, nil
	}
	v, err := argv.Argv(c.ExecArgs,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", c.ExecArgs)
	}
	return v[0], nil
}
