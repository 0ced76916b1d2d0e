// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the core data structures shared across the
// enforcer, the ledger storage layer, and the CLI.
package model

import (
	"fmt"
	"time"
)

// KeyType classifies how a tracked key entered the ledger.
type KeyType string

const (
	// KeyTypeUser is a self-service key generated by the enforcer itself.
	// Only USER keys are subject to expiry.
	KeyTypeUser KeyType = "USER"
	// KeyTypeBamboo is an externally created key accepted because its owner
	// matches the configured authorized system account.
	KeyTypeBamboo KeyType = "BAMBOO"
	// KeyTypeBypass is an externally created key accepted because its owner
	// is a member of the configured authorized group.
	KeyTypeBypass KeyType = "BYPASS"
)

// ResourceKind tags the variant of a Resource.
type ResourceKind int

const (
	// ResourceNone means no access grant has been discovered for the key.
	ResourceNone ResourceKind = iota
	// ResourceRepository means the key grants access to a single repository.
	ResourceRepository
	// ResourceProject means the key grants access to a whole project.
	ResourceProject
)

// Resource identifies the repository or project an access-granting key
// targets. The zero value means "no association".
type Resource struct {
	Kind ResourceKind
	ID   int
}

// String renders the association for logs and audit details.
func (r Resource) String() string {
	switch r.Kind {
	case ResourceRepository:
		return fmt.Sprintf("repository:%d", r.ID)
	case ResourceProject:
		return fmt.Sprintf("project:%d", r.ID)
	default:
		return "none"
	}
}

// TrackedKey is the ledger's unit of truth: one record per key this system
// sanctions, independent of Bitbucket's own key store.
type TrackedKey struct {
	ID int
	// KeyID is the identifier Bitbucket assigned to the key. Zero until the
	// native store has accepted the key; immutable once set.
	KeyID int
	// UserID is the owning Bitbucket user.
	UserID int
	// Text is the public key in authorized_keys format. Unique across the
	// ledger and used as the secondary lookup key.
	Text    string
	Comment string
	Type    KeyType
	// Resource is the repository or project the key's access grant targets,
	// discovered after the native id is known.
	Resource  Resource
	CreatedAt time.Time
}

// Expired reports whether the record falls outside the retention window
// ending at cutoff. Only USER keys ever expire.
func (k TrackedKey) Expired(cutoff time.Time) bool {
	return k.Type == KeyTypeUser && k.CreatedAt.Before(cutoff)
}

// NativeKey is a key as Bitbucket's own store reports it.
type NativeKey struct {
	ID    int
	Text  string
	Label string
}

// Principal is a Bitbucket user as resolved by the user directory.
type Principal struct {
	ID          int
	Name        string
	DisplayName string
}

// String returns the name used in logs; falls back to the numeric id when
// the directory could not resolve the user.
func (p Principal) String() string {
	if p.Name == "" {
		return fmt.Sprintf("UNKNOWN_ID:%d", p.ID)
	}
	return p.Name
}

// KeyPair is freshly generated key material returned to the caller of a
// self-service key request. The private key is never persisted.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// AccessGrant is one entry from Bitbucket's access-grant index: a key that
// was granted resource-level (repository or project) access.
type AccessGrant struct {
	KeyID    int
	Resource Resource
}

// AuditLogEntry is a structured audit event recorded for every enforcement
// decision.
type AuditLogEntry struct {
	ID        int
	Timestamp time.Time
	Action    string
	KeyID     int
	UserID    int
	Details   string
}
