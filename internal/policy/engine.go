package policy

import (
	"context"
	"fmt"
	"path"
	"strings"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule grants or denies writing export files matching Path for agents
// matching Agent. Both fields are glob patterns; "dir/**" matches a subtree.
type Rule struct {
	Agent  string `toml:"agent" yaml:"agent"`
	Path   string `toml:"path" yaml:"path"`
	Effect Effect `toml:"effect" yaml:"effect"`
}

// Engine evaluates export rules. Deny rules win over allow rules, and once
// any rule is configured an unmatched request is denied.
type Engine struct {
	rules []Rule
}

func New(rules []Rule) (*Engine, error) {
	for i, r := range rules {
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return nil, fmt.Errorf("export rule %d: unknown effect %q", i, r.Effect)
		}
		if strings.TrimSpace(r.Path) == "" {
			return nil, fmt.Errorf("export rule %d: empty path pattern", i)
		}
	}
	return &Engine{rules: append([]Rule(nil), rules...)}, nil
}

func (e *Engine) CanExport(_ context.Context, agentID string, targetPath string) (bool, string, error) {
	if len(e.rules) == 0 {
		return true, "no export rules configured", nil
	}
	allowed := false
	for _, r := range e.rules {
		if !agentMatch(r.Agent, agentID) || !globMatch(r.Path, targetPath) {
			continue
		}
		if r.Effect == EffectDeny {
			return false, fmt.Sprintf("denied by rule %s:%s", r.Agent, r.Path), nil
		}
		allowed = true
	}
	if !allowed {
		return false, "no matching allow rule", nil
	}
	return true, "allowed", nil
}

func agentMatch(pattern, agentID string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, agentID)
	return err == nil && ok
}

func normalizeRelPath(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	cleaned = strings.TrimPrefix(cleaned, "./")
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "."
	}
	return cleaned
}

func globMatch(pattern string, value string) bool {
	p := normalizeRelPath(pattern)
	v := normalizeRelPath(value)
	if p == "**" || p == "*" {
		return true
	}
	if strings.HasSuffix(p, "/**") {
		base := strings.TrimSuffix(p, "/**")
		depth := strings.Count(base, "/") + 1
		parts := strings.Split(v, "/")
		if len(parts) < depth {
			return false
		}
		ok, err := path.Match(base, strings.Join(parts[:depth], "/"))
		return err == nil && ok
	}
	ok, err := path.Match(p, v)
	if err != nil {
		return false
	}
	return ok
}
