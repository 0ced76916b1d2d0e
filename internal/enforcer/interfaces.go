// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package enforcer contains the key governance engine: the decision logic
// that intercepts key-registration events, enforces bypass policy,
// generates and rotates managed key pairs, and expires aged keys.
//
// The interfaces in this file describe the side-effect boundaries toward
// the host platform. Keep them minimal; higher layers (REST adapter,
// tests) implement them.
package enforcer

import (
	"context"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

// NativeKeyStore is Bitbucket's authoritative registry of SSH keys accepted
// for authentication. Removing a key here fires an asynchronous deletion
// event that re-enters the engine through ForgetDeletedKey; callers must
// not assume the event has been processed when Remove returns.
type NativeKeyStore interface {
	AddForUser(ctx context.Context, user model.Principal, publicKey string) (*model.NativeKey, error)
	Remove(ctx context.Context, keyID int) error
}

// PageRequest bounds a paged collaborator query.
type PageRequest struct {
	Start int
	Limit int
}

// AccessGrantIndex resolves which repositories or projects a key was
// granted access to.
type AccessGrantIndex interface {
	GrantsForKey(ctx context.Context, keyID int, page PageRequest) ([]model.AccessGrant, error)
}

// UserDirectory resolves principals and group membership.
type UserDirectory interface {
	UserByName(ctx context.Context, name string) (*model.Principal, error)
	UserByID(ctx context.Context, id int) (*model.Principal, error)
	GroupExists(ctx context.Context, name string) (bool, error)
	IsUserInGroup(ctx context.Context, user model.Principal, group string) (bool, error)
}

// KeyPairGenerator generates and marshals key material.
type KeyPairGenerator interface {
	Generate(comment string) (model.KeyPair, error)
}

// Notifier delivers expiry notifications. Fire-and-forget from the
// engine's perspective; delivery failures are the sink's concern.
type Notifier interface {
	NotifyExpiredKey(ctx context.Context, userID int) error
}

// Settings is the bypass policy and retention configuration. Implementations
// re-read the backing source on each call, which gives the engine the
// reload-per-sweep contract without ambient global lookups.
type Settings interface {
	// AuthorizedUser returns the name of the trusted automation principal,
	// or "" when the BAMBOO bypass path is disabled.
	AuthorizedUser() string
	// AuthorizedGroup returns the name of the authorized group, or "" when
	// the BYPASS group path is disabled.
	AuthorizedGroup() string
	// UserKeyRetentionDays is the retention window for USER keys.
	UserKeyRetentionDays() int
}

// AuditWriter is the minimal contract for emitting structured audit events.
type AuditWriter interface {
	LogEvent(entry model.AuditLogEntry) error
}
