// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package model

// BackupData is a container for all ledger data exported by a backup.
type BackupData struct {
	// SchemaVersion helps in handling migrations during restore.
	SchemaVersion int `json:"schema_version"`

	TrackedKeys     []TrackedKey    `json:"tracked_keys"`
	AuditLogEntries []AuditLogEntry `json:"audit_log_entries"`
}
