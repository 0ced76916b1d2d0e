// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package stash

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

// Event keys emitted by the host when native SSH keys change.
const (
	EventKeyAdded   = "ssh_key:added"
	EventKeyRemoved = "ssh_key:removed"
)

// Event is the wire form of a native key lifecycle notification.
type Event struct {
	EventKey string `json:"eventKey"`
	Key      struct {
		ID    int    `json:"id"`
		Text  string `json:"text"`
		Label string `json:"label"`
	} `json:"key"`
	User struct {
		ID          int    `json:"id"`
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
}

// DecodeEvent reads and validates a single event from r.
func DecodeEvent(r io.Reader) (*Event, error) {
	var ev Event
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch ev.EventKey {
	case EventKeyAdded:
		if strings.TrimSpace(ev.Key.Text) == "" {
			return nil, fmt.Errorf("event %s: missing key text", ev.EventKey)
		}
	case EventKeyRemoved:
		if ev.Key.ID == 0 {
			return nil, fmt.Errorf("event %s: missing key id", ev.EventKey)
		}
	default:
		return nil, fmt.Errorf("unknown event key %q", ev.EventKey)
	}
	return &ev, nil
}

// NativeKey returns the event's key in model form.
func (ev *Event) NativeKey() model.NativeKey {
	return model.NativeKey{ID: ev.Key.ID, Text: ev.Key.Text, Label: ev.Key.Label}
}

// Principal returns the event's user in model form.
func (ev *Event) Principal() model.Principal {
	return model.Principal{ID: ev.User.ID, Name: ev.User.Name, DisplayName: ev.User.DisplayName}
}
