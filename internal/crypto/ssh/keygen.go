// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package ssh

import (
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

// Ed25519Generator issues unencrypted ed25519 pairs for managed user keys.
// The private half is handed to the requesting user once and never stored,
// so passphrase protection is the user's concern after delivery.
type Ed25519Generator struct{}

// Generate creates a fresh key pair carrying the given comment.
func (Ed25519Generator) Generate(comment string) (model.KeyPair, error) {
	pub, priv, err := GenerateAndMarshalEd25519Key(comment, "")
	if err != nil {
		return model.KeyPair{}, err
	}
	return model.KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}
