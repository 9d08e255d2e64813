package reconciler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tnyholm/triplicate/internal/config"
)

// compiledRule is one CloudOnlyRule (spec.md §3) with its target pattern
// compiled up front; criterion templates are compiled lazily per match
// since they depend on the target's captured named groups.
type compiledRule struct {
	target   *regexp.Regexp
	criteria []string
}

func compileRules(rules []config.CloudOnlyRule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))

	for _, rule := range rules {
		target, err := regexp.Compile(rule.TargetPattern)
		if err != nil {
			return nil, fmt.Errorf("compiling target pattern %q: %w", rule.TargetPattern, err)
		}

		compiled = append(compiled, compiledRule{target: target, criteria: rule.CriterionPatterns})
	}

	return compiled, nil
}

// matches reports whether path matches the target pattern and, if any
// criterion patterns are configured, whether at least one of them —
// after substituting the target's named capture groups — matches any
// path in candidates (spec.md §3 CloudOnlyRule).
func (c compiledRule) matches(path string, candidates []string) (bool, error) {
	m := c.target.FindStringSubmatch(path)
	if m == nil {
		return false, nil
	}

	if len(c.criteria) == 0 {
		return true, nil
	}

	names := c.target.SubexpNames()

	for _, template := range c.criteria {
		pattern := substituteNamedGroups(template, names, m)

		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("compiling criterion pattern %q: %w", pattern, err)
		}

		for _, candidate := range candidates {
			if re.MatchString(candidate) {
				return true, nil
			}
		}
	}

	return false, nil
}

// substituteNamedGroups replaces every "{name}" placeholder in template
// with the corresponding named capture group's matched value.
func substituteNamedGroups(template string, names []string, match []string) string {
	out := template

	for i, name := range names {
		if name == "" || i >= len(match) {
			continue
		}

		out = strings.ReplaceAll(out, "{"+name+"}", match[i])
	}

	return out
}
