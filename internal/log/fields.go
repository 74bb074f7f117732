// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldSessionID = "session_id"
	FieldUserID    = "user_id"
	FieldTrackID   = "track_id"
	FieldAlias     = "alias"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldOperation = "operation"

	// Path fields
	FieldPath         = "path"
	FieldPlaylistPath = "playlist_path"

	// Network fields
	FieldClientIP = "client_ip"
)
