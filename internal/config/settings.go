// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import "github.com/spf13/viper"

// defaultRetentionDays applies when the retention window is unset or
// nonsensical.
const defaultRetentionDays = 90

// ViperSettings satisfies the engine's Settings interface by re-reading
// viper on every call. Because the engine consults it at the start of each
// sweep and each interception, configuration changes take effect without a
// restart.
type ViperSettings struct{}

// AuthorizedUser returns the trusted automation account name, "" if unset.
func (ViperSettings) AuthorizedUser() string {
	return viper.GetString("policy.authorized_user")
}

// AuthorizedGroup returns the authorized group name, "" if unset.
func (ViperSettings) AuthorizedGroup() string {
	return viper.GetString("policy.authorized_group")
}

// UserKeyRetentionDays returns the retention window for USER keys.
func (ViperSettings) UserKeyRetentionDays() int {
	days := viper.GetInt("policy.user_key_retention_days")
	if days <= 0 {
		return defaultRetentionDays
	}
	return days
}

// StaticSettings is a fixed-value Settings implementation used by tests
// and by callers that resolve configuration up front.
type StaticSettings struct {
	User          string
	Group         string
	RetentionDays int
}

// AuthorizedUser returns the configured automation account name.
func (s StaticSettings) AuthorizedUser() string { return s.User }

// AuthorizedGroup returns the configured group name.
func (s StaticSettings) AuthorizedGroup() string { return s.Group }

// UserKeyRetentionDays returns the configured retention window.
func (s StaticSettings) UserKeyRetentionDays() int {
	if s.RetentionDays <= 0 {
		return defaultRetentionDays
	}
	return s.RetentionDays
}
