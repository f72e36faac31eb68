package pathmemory

import "strings"

// Well known principals and scopes.
const (
	ScopeProject      = "project"
	ActorMeta         = "meta"
	ActorOrchestrator = "orchestrator"
	teamPrefix        = "team/"
)

// TeamScope returns the scope owned by a team, e.g. "team/red".
func TeamScope(name string) string {
	return teamPrefix + strings.ToLower(name)
}

// IsTeamScope reports whether s names a team partition.
func IsTeamScope(s string) bool {
	return strings.HasPrefix(s, teamPrefix) && len(s) > len(teamPrefix)
}

func isPrivileged(actor string) bool {
	return actor == ActorMeta || actor == ActorOrchestrator
}

// CanWrite applies the write rule table: "project" is writable by meta and
// orchestrator, "team/<name>" only by the team itself. Everything else is denied.
func CanWrite(actor, target string) bool {
	switch {
	case target == ScopeProject:
		return isPrivileged(actor)
	case IsTeamScope(target):
		return actor == target
	default:
		return false
	}
}

// CanRead applies the read rule table. The owner and the privileged actors
// read everything; other teams may only read negative paths under "project".
func CanRead(actor, target string, kind Kind) bool {
	switch {
	case actor == "" || target == "":
		return false
	case actor == target:
		return true
	case isPrivileged(actor):
		return true
	case IsTeamScope(actor):
		return target == ScopeProject && kind == KindNegative
	default:
		return false
	}
}

// readableNegativeScopes lists the scopes whose negative paths actor may read
// when checking for avoidance.
func readableNegativeScopes(actor string) []string {
	if IsTeamScope(actor) {
		return []string{actor, ScopeProject}
	}
	if isPrivileged(actor) {
		return []string{ScopeProject}
	}
	return nil
}
