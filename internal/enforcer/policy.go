// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package enforcer

import (
	"context"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

// Bypass is the outcome of evaluating bypass policy for a principal.
type Bypass int

const (
	// BypassNone means neither bypass path matched.
	BypassNone Bypass = iota
	// BypassBamboo means the principal is the configured automation account.
	BypassBamboo
	// BypassGroup means the principal is a member of the authorized group.
	BypassGroup
)

// KeyType returns the ledger classification for an accepted bypass key.
func (b Bypass) KeyType() model.KeyType {
	switch b {
	case BypassBamboo:
		return model.KeyTypeBamboo
	case BypassGroup:
		return model.KeyTypeBypass
	default:
		return ""
	}
}

// EvaluateBypass decides whether an unrecognized key may stay because of
// its owner. The authorized-user match is checked before the group match;
// first match wins. An unset name disables that path, and a configured
// group that does not exist never matches.
//
// A directory lookup failure is returned as an error so the caller can
// surface it instead of revoking a possibly legitimate key.
func EvaluateBypass(ctx context.Context, user model.Principal, authorizedUser, authorizedGroup string, dir UserDirectory) (Bypass, error) {
	if authorizedUser != "" && authorizedUser == user.Name {
		return BypassBamboo, nil
	}
	if authorizedGroup != "" {
		exists, err := dir.GroupExists(ctx, authorizedGroup)
		if err != nil {
			return BypassNone, err
		}
		if exists {
			member, err := dir.IsUserInGroup(ctx, user, authorizedGroup)
			if err != nil {
				return BypassNone, err
			}
			if member {
				return BypassGroup, nil
			}
		}
	}
	return BypassNone, nil
}
