// Package policy is the authorization boundary: a single Enforce query
// consulted before every mutating or download operation. The rule language
// itself lives outside this system; rules here are a flat action table.
package policy

import (
	"log/slog"

	"github.com/imagereg/imaged/pkg/errors"
)

// Principal identifies the caller of an operation.
type Principal struct {
	Owner string
	Admin bool
	Roles []string
}

// Rule decides whether a principal may perform an action.
type Rule func(p Principal) bool

// Enforcer evaluates actions against a rule table. Actions without a rule
// follow the default decision.
type Enforcer struct {
	rules        map[string]Rule
	defaultAllow bool
}

// NewEnforcer builds an enforcer. Pass nil rules for a default-allow table.
func NewEnforcer(rules map[string]Rule, defaultAllow bool) *Enforcer {
	if rules == nil {
		rules = map[string]Rule{}
	}
	return &Enforcer{rules: rules, defaultAllow: defaultAllow}
}

// Enforce authorizes an action, returning ErrForbidden on denial. Admins
// are always allowed.
func (e *Enforcer) Enforce(p Principal, action string) error {
	if p.Admin {
		return nil
	}
	rule, ok := e.rules[action]
	if !ok {
		if e.defaultAllow {
			return nil
		}
		slog.Info("policy_denied", "action", action, "owner", p.Owner, "reason", "no_rule")
		return errors.Wrapf(errors.ErrForbidden, "action %s", action)
	}
	if !rule(p) {
		slog.Info("policy_denied", "action", action, "owner", p.Owner)
		return errors.Wrapf(errors.ErrForbidden, "action %s", action)
	}
	return nil
}

// RequireRole builds a rule satisfied by principals holding the role.
func RequireRole(role string) Rule {
	return func(p Principal) bool {
		for _, r := range p.Roles {
			if r == role {
				return true
			}
		}
		return false
	}
}
