package brief

import (
	"fmt"
	"strings"
)

// AccessMode decides how the ID list is read.
type AccessMode string

const (
	AccessBlacklist AccessMode = "blacklist"
	AccessWhitelist AccessMode = "whitelist"
)

// AccessPolicy gates which chat scopes may use the bot.
// An empty ID list allows every scope in both modes.
type AccessPolicy struct {
	Mode AccessMode
	IDs  map[string]struct{}
}

// NewAccessPolicy builds a policy. The entry "all" clears the list.
func NewAccessPolicy(mode string, ids []string) (AccessPolicy, error) {
	m := AccessMode(strings.ToLower(strings.TrimSpace(mode)))
	switch m {
	case "":
		m = AccessBlacklist
	case AccessBlacklist, AccessWhitelist:
	default:
		return AccessPolicy{}, fmt.Errorf("unknown access mode %q", mode)
	}

	p := AccessPolicy{Mode: m, IDs: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if strings.EqualFold(id, "all") {
			clear(p.IDs)
			break
		}
		p.IDs[id] = struct{}{}
	}
	return p, nil
}

// Allows reports whether s may use the bot.
func (p AccessPolicy) Allows(s Scope) bool {
	if len(p.IDs) == 0 {
		return true
	}
	_, listed := p.IDs[s.ID]
	if p.Mode == AccessWhitelist {
		return listed
	}
	return !listed
}

// Check is Allows as an error.
func (p AccessPolicy) Check(s Scope) error {
	if p.Allows(s) {
		return nil
	}
	return fmt.Errorf("%s: %w", s, ErrAccessDenied)
}
