package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionExamsMonitor allows watching live connection, progress and timer state.
	PermissionExamsMonitor Permission = "exams:monitor"

	// PermissionExamsControl allows starting, pausing, resuming and ending exam timers.
	PermissionExamsControl Permission = "exams:control"

	// PermissionSystemBroadcast allows sending system announcements and user alerts.
	PermissionSystemBroadcast Permission = "system:broadcast"

	// PermissionSystemRead allows viewing hub delivery statistics.
	PermissionSystemRead Permission = "system:read"
)
