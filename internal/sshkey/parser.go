// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package sshkey contains helpers for working with raw public key lines.
package sshkey

import (
	"fmt"
	"strings"
)

// Parse splits a raw public key string (like one from an authorized_keys
// file) into its three core components: algorithm, key data, and comment.
// It correctly handles leading options in the line (e.g., from="...").
func Parse(rawKey string) (algorithm, keyData, comment string, err error) {
	fields := strings.Fields(rawKey)
	if len(fields) == 0 {
		err = fmt.Errorf("empty line")
		return
	}

	keyStartIndex := -1
	for i, field := range fields {
		if strings.HasPrefix(field, "ssh-") || strings.HasPrefix(field, "ecdsa-") {
			keyStartIndex = i
			break
		}
	}

	if keyStartIndex == -1 {
		err = fmt.Errorf("no valid SSH key type found in line")
		return
	}

	if len(fields) < keyStartIndex+2 {
		err = fmt.Errorf("invalid public key format: missing key data after algorithm")
		return
	}

	algorithm = fields[keyStartIndex]
	keyData = fields[keyStartIndex+1]
	if len(fields) > keyStartIndex+2 {
		comment = strings.Join(fields[keyStartIndex+2:], " ")
	}

	return
}

// Normalize reduces a public key line to its "algorithm keydata" core so
// that ledger lookups by text are exact-match regardless of surrounding
// whitespace or trailing comment. Bitbucket stores keys without comments;
// the ledger must agree with it byte for byte.
func Normalize(rawKey string) (string, error) {
	algorithm, keyData, _, err := Parse(rawKey)
	if err != nil {
		return "", err
	}
	return algorithm + " " + keyData, nil
}
