// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package enforcer

import (
	"context"
	"fmt"
	"testing"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/db"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

// fakeKeyStore records native store traffic. Add assigns sequential ids.
type fakeKeyStore struct {
	nextID       int
	added        []model.NativeKey
	removed      []int
	addErr       error
	removeErr    error
	removeErrFor map[int]error

	// onRemove, when set, is invoked after a successful removal. Tests use
	// it to simulate the asynchronous deletion event the host would fire.
	onRemove func(keyID int)
}

func (f *fakeKeyStore) AddForUser(_ context.Context, _ model.Principal, publicKey string) (*model.NativeKey, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.nextID++
	key := model.NativeKey{ID: f.nextID, Text: publicKey}
	f.added = append(f.added, key)
	return &key, nil
}

func (f *fakeKeyStore) Remove(_ context.Context, keyID int) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	if err, ok := f.removeErrFor[keyID]; ok {
		return err
	}
	f.removed = append(f.removed, keyID)
	if f.onRemove != nil {
		f.onRemove(keyID)
	}
	return nil
}

// fakeDirectory serves a fixed set of principals and group memberships.
type fakeDirectory struct {
	users   map[string]model.Principal
	groups  map[string][]string
	lookErr error
}

func (f *fakeDirectory) UserByName(_ context.Context, name string) (*model.Principal, error) {
	if f.lookErr != nil {
		return nil, f.lookErr
	}
	if u, ok := f.users[name]; ok {
		return &u, nil
	}
	return nil, nil
}

func (f *fakeDirectory) UserByID(_ context.Context, id int) (*model.Principal, error) {
	if f.lookErr != nil {
		return nil, f.lookErr
	}
	for _, u := range f.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) GroupExists(_ context.Context, name string) (bool, error) {
	if f.lookErr != nil {
		return false, f.lookErr
	}
	_, ok := f.groups[name]
	return ok, nil
}

func (f *fakeDirectory) IsUserInGroup(_ context.Context, user model.Principal, group string) (bool, error) {
	if f.lookErr != nil {
		return false, f.lookErr
	}
	for _, member := range f.groups[group] {
		if member == user.Name {
			return true, nil
		}
	}
	return false, nil
}

// fakeGrantIndex returns a canned grant list and records the page request.
type fakeGrantIndex struct {
	grants   []model.AccessGrant
	lastPage PageRequest
	err      error
}

func (f *fakeGrantIndex) GrantsForKey(_ context.Context, keyID int, page PageRequest) ([]model.AccessGrant, error) {
	f.lastPage = page
	if f.err != nil {
		return nil, f.err
	}
	if page.Limit > 0 && len(f.grants) > page.Limit {
		return f.grants[:page.Limit], nil
	}
	return f.grants, nil
}

type fakeKeygen struct {
	calls int
	err   error
}

func (f *fakeKeygen) Generate(comment string) (model.KeyPair, error) {
	if f.err != nil {
		return model.KeyPair{}, f.err
	}
	f.calls++
	return model.KeyPair{
		PublicKey:  fmt.Sprintf("ssh-ed25519 AAAAGENERATED%d %s", f.calls, comment),
		PrivateKey: fmt.Sprintf("PRIVATE%d", f.calls),
	}, nil
}

type fakeNotifier struct {
	notified []int
	err      error
}

func (f *fakeNotifier) NotifyExpiredKey(_ context.Context, userID int) error {
	f.notified = append(f.notified, userID)
	if f.err != nil {
		return f.err
	}
	return nil
}

type fakeAudit struct {
	entries []model.AuditLogEntry
}

func (f *fakeAudit) LogEvent(entry model.AuditLogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) actions() []string {
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

// staticSettings is the fixed policy used by engine tests.
type staticSettings struct {
	user      string
	group     string
	retention int
}

func (s staticSettings) AuthorizedUser() string    { return s.user }
func (s staticSettings) AuthorizedGroup() string   { return s.group }
func (s staticSettings) UserKeyRetentionDays() int { return s.retention }

// failingLedger wraps a real store and forces errors on selected methods.
type failingLedger struct {
	db.Store
	saveExternalErr error
	forgetErr       error
}

func (f *failingLedger) SaveExternalKey(key model.NativeKey, userID int, keyType model.KeyType) (*model.TrackedKey, error) {
	if f.saveExternalErr != nil {
		return nil, f.saveExternalErr
	}
	return f.Store.SaveExternalKey(key, userID, keyType)
}

func (f *failingLedger) ForgetKeyMatching(keyID int) error {
	if f.forgetErr != nil {
		return f.forgetErr
	}
	return f.Store.ForgetKeyMatching(keyID)
}

// openTestStore opens a fresh shared in-memory database for one test.
func openTestStore(t *testing.T, name string) db.Store {
	t.Helper()
	store, err := db.NewStoreFromDSN("sqlite", fmt.Sprintf("file:test_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	return store
}
