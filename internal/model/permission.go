package model

// Permission represents a string code for a specific administrative action.
type Permission string

const (
	// PermissionSessionsRead allows viewing sessions and their monitor feed.
	PermissionSessionsRead Permission = "sessions:read"

	// PermissionSessionsWrite allows creating sessions, enrolling candidates and changing durations.
	PermissionSessionsWrite Permission = "sessions:write"

	// PermissionSessionsControl allows pausing, resuming, completing and cancelling sessions.
	PermissionSessionsControl Permission = "sessions:control"

	// PermissionCandidatesRevoke allows invalidating a candidate's outstanding tokens.
	PermissionCandidatesRevoke Permission = "candidates:revoke"
)

// AllPermissions is a slice of all available permissions.
var AllPermissions = []Permission{
	PermissionSessionsRead,
	PermissionSessionsWrite,
	PermissionSessionsControl,
	PermissionCandidatesRevoke,
}
