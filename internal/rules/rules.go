// Package rules evaluates per-user access rules. A request is allowed
// if any applicable rule matches; each rule is conjunctive across its
// conditions. Denial is the default.
package rules

import (
	"slices"
	"strings"

	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/ipfilter"
)

// Denial reasons surfaced to the API layer.
const (
	ReasonAuthRequired = "AUTH_REQUIRED"
	ReasonNoRule       = "NO_RULE"
	ReasonOpDenied     = "OP_DENIED"
	ReasonRootDenied   = "ROOT_DENIED"
	ReasonPathDenied   = "PATH_DENIED"
	ReasonIPDenied     = "IP_DENIED"
)

// Evaluator decides access against the current configuration snapshot.
type Evaluator struct {
	getter config.Getter
}

// NewEvaluator creates an evaluator reading rules through getter.
func NewEvaluator(getter config.Getter) *Evaluator {
	return &Evaluator{getter: getter}
}

// Evaluate reports whether user may perform op on share:rel from ip.
// On denial the second return value carries the reason.
func (e *Evaluator) Evaluate(user *config.UserConfig, op config.Permission, share, rel, ip string) (bool, string) {
	if user == nil {
		return false, ReasonAuthRequired
	}

	cfg := e.getter()
	path := NormalizePath(rel)
	reason := ReasonNoRule

	for _, rule := range cfg.Rules {
		if rule.Who != user.Name && rule.Who != "*" {
			continue
		}
		if !slices.Contains(rule.Allow, op) {
			reason = ReasonOpDenied
			continue
		}
		if !rootMatches(rule.Roots, share) {
			reason = ReasonRootDenied
			continue
		}
		if !pathMatches(rule.Paths, path) {
			reason = ReasonPathDenied
			continue
		}
		if !ipfilter.Check(ip, rule.IPAllow, rule.IPDeny) {
			reason = ReasonIPDenied
			continue
		}
		return true, ""
	}

	return false, reason
}

// AccessibleRoots returns the share names user can reach from ip: the
// union of roots across rules whose who and rule-local IP filter match.
// A "*" root expands to all configured shares.
func (e *Evaluator) AccessibleRoots(user *config.UserConfig, ip string) []string {
	if user == nil {
		return nil
	}

	cfg := e.getter()
	seen := make(map[string]bool)
	var roots []string
	add := func(name string) {
		if cfg.GetShare(name) == nil || seen[name] {
			return
		}
		seen[name] = true
		roots = append(roots, name)
	}

	for _, rule := range cfg.Rules {
		if rule.Who != user.Name && rule.Who != "*" {
			continue
		}
		if !ipfilter.Check(ip, rule.IPAllow, rule.IPDeny) {
			continue
		}
		for _, root := range rule.Roots {
			if root == "*" {
				for _, name := range cfg.ShareNames() {
					add(name)
				}
			} else {
				add(root)
			}
		}
	}

	return roots
}

func rootMatches(roots []string, share string) bool {
	for _, root := range roots {
		if root == "*" || root == share {
			return true
		}
	}
	return false
}

func pathMatches(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if MatchPath(path, pattern) {
			return true
		}
	}
	return false
}

// NormalizePath converts a relative path to a canonical rule path:
// forward slashes, a single leading slash, no trailing slash except for
// the root itself.
func NormalizePath(rel string) string {
	p := strings.ReplaceAll(rel, "\\", "/")
	p = "/" + strings.Trim(p, "/")
	if p == "//" {
		return "/"
	}
	return p
}

// MatchPath reports whether a normalized path matches a rule entry.
// "*" and "/*" match everything; an entry ending in "/" is a prefix
// match; otherwise the entry matches itself and its descendants.
func MatchPath(path, entry string) bool {
	if entry == "*" || entry == "/*" {
		return true
	}
	entry = NormalizePathEntry(entry)
	if path == entry {
		return true
	}
	if strings.HasSuffix(entry, "/") {
		return strings.HasPrefix(path, entry)
	}
	if entry == "/" {
		return true
	}
	return strings.HasPrefix(path, entry+"/")
}

// NormalizePathEntry puts a rule path entry into comparable form,
// preserving a trailing slash because it marks a prefix match.
func NormalizePathEntry(entry string) string {
	prefix := strings.HasSuffix(entry, "/") && entry != "/"
	e := NormalizePath(entry)
	if prefix && e != "/" {
		e += "/"
	}
	return e
}
