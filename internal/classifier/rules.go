package classifier

import (
	"fmt"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Rules are the site-specific body markers used to classify a response.
// A marker is a case-insensitive substring, or a glob pattern when it
// contains '*' or '?'.
type Rules struct {
	AlreadyCompleted []string `yaml:"already_completed"`
	Success          []string `yaml:"success"`
	AuthExpired      []string `yaml:"auth_expired"`
}

// DefaultRules returns the markers observed on the LeafLow check-in page.
func DefaultRules() Rules {
	return Rules{
		AlreadyCompleted: []string{
			"already checked in",
			"already signed in",
			"今日已签到",
			"已经签到",
		},
		Success: []string{
			"check-in successful",
			"checkin successful",
			"签到成功",
		},
		AuthExpired: []string{
			"unauthenticated",
			"session expired",
			"please log in",
			"请先登录",
		},
	}
}

// LoadRules reads rules from a YAML file. Sections missing from the file keep
// their defaults.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}

	rules := DefaultRules()
	var fromFile Rules
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	if fromFile.AlreadyCompleted != nil {
		rules.AlreadyCompleted = fromFile.AlreadyCompleted
	}
	if fromFile.Success != nil {
		rules.Success = fromFile.Success
	}
	if fromFile.AuthExpired != nil {
		rules.AuthExpired = fromFile.AuthExpired
	}
	return rules, nil
}

type matcher func(body string) bool

type compiledRules struct {
	alreadyCompleted []matcher
	success          []matcher
	authExpired      []matcher
}

func compile(r Rules) (*compiledRules, error) {
	var c compiledRules
	var err error
	if c.alreadyCompleted, err = compileMarkers(r.AlreadyCompleted); err != nil {
		return nil, fmt.Errorf("already_completed: %w", err)
	}
	if c.success, err = compileMarkers(r.Success); err != nil {
		return nil, fmt.Errorf("success: %w", err)
	}
	if c.authExpired, err = compileMarkers(r.AuthExpired); err != nil {
		return nil, fmt.Errorf("auth_expired: %w", err)
	}
	return &c, nil
}

func compileMarkers(markers []string) ([]matcher, error) {
	out := make([]matcher, 0, len(markers))
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if !strings.ContainsAny(m, "*?") {
			needle := m
			out = append(out, func(body string) bool { return strings.Contains(body, needle) })
			continue
		}
		g, err := glob.Compile("*" + m + "*")
		if err != nil {
			return nil, fmt.Errorf("marker %q: %w", m, err)
		}
		out = append(out, g.Match)
	}
	return out, nil
}

func anyMatch(ms []matcher, body string) bool {
	for _, m := range ms {
		if m(body) {
			return true
		}
	}
	return false
}
