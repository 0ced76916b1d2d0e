// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"

	"github.com/spf13/viper"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/config"
	internalkey "github.com/ccunniff/ssh-key-enforcer-stash/internal/crypto/ssh"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/db"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/enforcer"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/logging"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/stash"
)

// logNotifier records expiry notifications in the process log. Deployments
// with a mail gateway replace this with a real sink.
type logNotifier struct{}

func (logNotifier) NotifyExpiredKey(_ context.Context, userID int) error {
	logging.Infof("expired key notification queued for user %d", userID)
	return nil
}

// newService wires the governance engine to the configured Bitbucket
// instance and the initialized ledger. The ledger store doubles as the
// audit writer.
func newService() (*enforcer.Service, *stash.Client) {
	client := stash.NewClient(viper.GetString("bitbucket.base_url"), viper.GetString("bitbucket.token"))
	store := db.GetStore()
	svc := enforcer.New(store, client, client, client,
		internalkey.Ed25519Generator{}, logNotifier{}, config.ViperSettings{}, store)
	return svc, client
}
