// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package enforcer

import (
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

// Audit actions emitted by the engine. Every enforcement decision produces
// exactly one event so the trail can be verified mechanically.
const (
	ActionBambooKeyAccepted = "BAMBOO_KEY_ACCEPTED"
	ActionBypassKeyAccepted = "BYPASS_KEY_ACCEPTED"
	ActionKeyRevoked        = "KEY_REVOKED"
	ActionUserKeyCreated    = "USER_KEY_CREATED"
	ActionKeyExpired        = "KEY_EXPIRED"
	ActionKeyForgotten      = "KEY_FORGOTTEN"
	ActionOrphanPurged      = "ORPHAN_PURGED"
)

// auditEvent writes a structured audit entry. Audit failures never fail the
// operation that produced them; the ledger state is the source of truth.
func (s *Service) auditEvent(action string, keyID, userID int, details string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.LogEvent(model.AuditLogEntry{
		Timestamp: s.now().UTC(),
		Action:    action,
		KeyID:     keyID,
		UserID:    userID,
		Details:   details,
	})
}
