// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package enforcer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/db"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

type engineFixture struct {
	store    db.Store
	keys     *fakeKeyStore
	grants   *fakeGrantIndex
	dir      *fakeDirectory
	keygen   *fakeKeygen
	notifier *fakeNotifier
	audit    *fakeAudit
	svc      *Service
}

// newFixture builds a Service over a fresh in-memory ledger with a small
// canned directory: "bamboo" is the authorized system account, "alice" is
// a member of the authorized group, "bob" is neither.
func newFixture(t *testing.T, name string) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:  openTestStore(t, name),
		keys:   &fakeKeyStore{nextID: 100},
		grants: &fakeGrantIndex{},
		dir: &fakeDirectory{
			users: map[string]model.Principal{
				"bamboo": {ID: 7, Name: "bamboo", DisplayName: "Bamboo CI"},
				"alice":  {ID: 1, Name: "alice", DisplayName: "Alice"},
				"bob":    {ID: 2, Name: "bob", DisplayName: "Bob"},
			},
			groups: map[string][]string{"ssh-bypass": {"alice"}},
		},
		keygen:   &fakeKeygen{},
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
	}
	f.svc = New(f.store, f.keys, f.grants, f.dir, f.keygen, f.notifier,
		staticSettings{user: "bamboo", group: "ssh-bypass", retention: 90}, f.audit)
	return f
}

func (f *engineFixture) principal(t *testing.T, name string) model.Principal {
	t.Helper()
	u, ok := f.dir.users[name]
	if !ok {
		t.Fatalf("fixture has no user %q", name)
	}
	return u
}

func TestInterceptRevokesUntrackedKey(t *testing.T) {
	f := newFixture(t, "intercept_revoke")
	ctx := context.Background()

	key := model.NativeKey{ID: 42, Text: "ssh-ed25519 AAAAROGUE bob@laptop"}
	if err := f.svc.InterceptSystemKey(ctx, key, f.principal(t, "bob")); err != nil {
		t.Fatalf("intercept: %v", err)
	}

	if len(f.keys.removed) != 1 || f.keys.removed[0] != 42 {
		t.Fatalf("expected exactly one revocation of key 42, got %v", f.keys.removed)
	}
	tracked, err := f.store.FindKeyByText("ssh-ed25519 AAAAROGUE")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if tracked != nil {
		t.Fatalf("revoked key must not be tracked, got %+v", tracked)
	}
	if got := f.audit.actions(); len(got) != 1 || got[0] != ActionKeyRevoked {
		t.Fatalf("expected single %s audit event, got %v", ActionKeyRevoked, got)
	}
}

func TestInterceptIsIdempotentForTrackedKeys(t *testing.T) {
	f := newFixture(t, "intercept_idempotent")
	ctx := context.Background()

	key := model.NativeKey{ID: 9, Text: "ssh-ed25519 AAAACIKEY bamboo@agent"}
	if err := f.svc.InterceptSystemKey(ctx, key, f.principal(t, "bamboo")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Duplicate delivery of the same event, comment rendered differently.
	dup := model.NativeKey{ID: 9, Text: "  ssh-ed25519 AAAACIKEY   "}
	if err := f.svc.InterceptSystemKey(ctx, dup, f.principal(t, "bamboo")); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if len(f.keys.removed) != 0 {
		t.Fatalf("tracked key must never be revoked, got removals %v", f.keys.removed)
	}
	records, err := f.store.KeysForUser(7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("duplicate delivery must not add records, got %d", len(records))
	}
}

func TestInterceptAcceptsAuthorizedSystemAccount(t *testing.T) {
	f := newFixture(t, "intercept_bamboo")
	f.grants.grants = []model.AccessGrant{
		{Resource: model.Resource{Kind: model.ResourceRepository, ID: 10}},
	}
	ctx := context.Background()

	key := model.NativeKey{ID: 5, Text: "ssh-ed25519 AAAABAMBOO bamboo@agent", Label: "agent deploy"}
	if err := f.svc.InterceptSystemKey(ctx, key, f.principal(t, "bamboo")); err != nil {
		t.Fatalf("intercept: %v", err)
	}

	if len(f.keys.removed) != 0 {
		t.Fatalf("bypassed key must not be revoked, got %v", f.keys.removed)
	}
	tracked, err := f.store.FindKeyByText("ssh-ed25519 AAAABAMBOO")
	if err != nil || tracked == nil {
		t.Fatalf("expected tracked record, got %+v, err %v", tracked, err)
	}
	if tracked.Type != model.KeyTypeBamboo {
		t.Fatalf("expected BAMBOO type, got %s", tracked.Type)
	}
	if tracked.Resource.Kind != model.ResourceRepository || tracked.Resource.ID != 10 {
		t.Fatalf("expected repository 10 association, got %+v", tracked.Resource)
	}
	if got := f.audit.actions(); len(got) != 1 || got[0] != ActionBambooKeyAccepted {
		t.Fatalf("expected %s audit event, got %v", ActionBambooKeyAccepted, got)
	}
}

func TestInterceptPrefersSystemAccountOverGroup(t *testing.T) {
	f := newFixture(t, "intercept_precedence")
	f.dir.groups["ssh-bypass"] = append(f.dir.groups["ssh-bypass"], "bamboo")
	ctx := context.Background()

	key := model.NativeKey{ID: 6, Text: "ssh-ed25519 AAAABOTH bamboo@agent"}
	if err := f.svc.InterceptSystemKey(ctx, key, f.principal(t, "bamboo")); err != nil {
		t.Fatalf("intercept: %v", err)
	}
	tracked, err := f.store.FindKeyByText("ssh-ed25519 AAAABOTH")
	if err != nil || tracked == nil {
		t.Fatalf("expected tracked record, got %+v, err %v", tracked, err)
	}
	if tracked.Type != model.KeyTypeBamboo {
		t.Fatalf("system account match must win over group membership, got %s", tracked.Type)
	}
}

func TestInterceptAcceptsAuthorizedGroupMember(t *testing.T) {
	f := newFixture(t, "intercept_group")
	ctx := context.Background()

	key := model.NativeKey{ID: 8, Text: "ssh-ed25519 AAAAALICE alice@dev"}
	if err := f.svc.InterceptSystemKey(ctx, key, f.principal(t, "alice")); err != nil {
		t.Fatalf("intercept: %v", err)
	}
	tracked, err := f.store.FindKeyByText("ssh-ed25519 AAAAALICE")
	if err != nil || tracked == nil {
		t.Fatalf("expected tracked record, got %+v, err %v", tracked, err)
	}
	if tracked.Type != model.KeyTypeBypass {
		t.Fatalf("expected BYPASS type, got %s", tracked.Type)
	}
	if got := f.audit.actions(); len(got) != 1 || got[0] != ActionBypassKeyAccepted {
		t.Fatalf("expected %s audit event, got %v", ActionBypassKeyAccepted, got)
	}
}

func TestInterceptLedgerFailureDoesNotRevoke(t *testing.T) {
	f := newFixture(t, "intercept_ledger_fail")
	boom := errors.New("disk full")
	f.svc.ledger = &failingLedger{Store: f.store, saveExternalErr: boom}
	ctx := context.Background()

	key := model.NativeKey{ID: 11, Text: "ssh-ed25519 AAAAFAIL bamboo@agent"}
	err := f.svc.InterceptSystemKey(ctx, key, f.principal(t, "bamboo"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped ledger error, got %v", err)
	}
	if len(f.keys.removed) != 0 {
		t.Fatalf("ledger failure must not revoke the key, got %v", f.keys.removed)
	}
}

func TestInterceptDirectoryFailureDoesNotRevoke(t *testing.T) {
	f := newFixture(t, "intercept_dir_fail")
	f.dir.lookErr = errors.New("ldap timeout")
	ctx := context.Background()

	key := model.NativeKey{ID: 12, Text: "ssh-ed25519 AAAADIRFAIL bob@laptop"}
	if err := f.svc.InterceptSystemKey(ctx, key, f.principal(t, "bob")); err == nil {
		t.Fatal("expected directory error to propagate")
	}
	if len(f.keys.removed) != 0 {
		t.Fatalf("directory failure must not revoke the key, got %v", f.keys.removed)
	}
}

func TestSelfTriggeredDeletionEventsTerminate(t *testing.T) {
	f := newFixture(t, "no_revoke_loop")
	ctx := context.Background()
	// Revocations fire a deletion event; the host delivers it back to the
	// engine. The forget path must end the cycle.
	f.keys.onRemove = func(keyID int) {
		if err := f.svc.ForgetDeletedKey(ctx, model.NativeKey{ID: keyID}); err != nil {
			t.Fatalf("forget after removal: %v", err)
		}
	}

	key := model.NativeKey{ID: 13, Text: "ssh-ed25519 AAAALOOP bob@laptop"}
	if err := f.svc.InterceptSystemKey(ctx, key, f.principal(t, "bob")); err != nil {
		t.Fatalf("intercept: %v", err)
	}
	if len(f.keys.removed) != 1 {
		t.Fatalf("expected exactly one removal, got %v", f.keys.removed)
	}
}

// orderingKeyStore fails registration when the ledger does not already
// hold a record for the key text being registered.
type orderingKeyStore struct {
	fakeKeyStore
	t      *testing.T
	ledger db.Store
}

func (o *orderingKeyStore) AddForUser(ctx context.Context, user model.Principal, publicKey string) (*model.NativeKey, error) {
	o.t.Helper()
	tracked, err := o.ledger.FindKeyByText(normalizeText(publicKey))
	if err != nil {
		o.t.Fatalf("ledger lookup during registration: %v", err)
	}
	if tracked == nil {
		o.t.Fatal("native registration happened before the ledger write")
	}
	return o.fakeKeyStore.AddForUser(ctx, user, publicKey)
}

func TestGenerateWritesLedgerBeforeNativeRegistration(t *testing.T) {
	f := newFixture(t, "generate_ordering")
	ordering := &orderingKeyStore{fakeKeyStore: fakeKeyStore{nextID: 200}, t: t, ledger: f.store}
	f.svc.keys = ordering
	ctx := context.Background()

	pair, err := f.svc.GenerateNewKeyPairFor(ctx, f.principal(t, "alice"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if pair.PrivateKey == "" {
		t.Fatal("expected private key material in the returned pair")
	}

	records, err := f.store.KeysForUser(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].KeyID != 201 {
		t.Fatalf("record must carry the assigned native id, got %d", records[0].KeyID)
	}
	if records[0].Type != model.KeyTypeUser {
		t.Fatalf("expected USER type, got %s", records[0].Type)
	}
}

func TestGenerateRevokesOldUserKeysFirst(t *testing.T) {
	f := newFixture(t, "generate_rotation")
	ctx := context.Background()
	f.keys.onRemove = func(keyID int) {
		if err := f.svc.ForgetDeletedKey(ctx, model.NativeKey{ID: keyID}); err != nil {
			t.Fatalf("forget after removal: %v", err)
		}
	}

	// A bypass key of the same user must survive rotation.
	if _, err := f.store.SaveExternalKey(model.NativeKey{ID: 50, Text: "ssh-ed25519 AAAAKEEP"}, 1, model.KeyTypeBypass); err != nil {
		t.Fatalf("seed bypass key: %v", err)
	}

	if _, err := f.svc.GenerateNewKeyPairFor(ctx, f.principal(t, "alice")); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	firstID := f.keys.nextID

	if _, err := f.svc.GenerateNewKeyPairFor(ctx, f.principal(t, "alice")); err != nil {
		t.Fatalf("second generate: %v", err)
	}

	if len(f.keys.removed) != 1 || f.keys.removed[0] != firstID {
		t.Fatalf("expected rotation to revoke only old key %d, got %v", firstID, f.keys.removed)
	}
	records, err := f.store.KeysForUser(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected surviving bypass key plus new user key, got %d records", len(records))
	}
	for _, r := range records {
		if r.Type == model.KeyTypeUser && r.KeyID == firstID {
			t.Fatalf("old user key record survived rotation: %+v", r)
		}
	}
}

func TestGeneratePurgesAllUserKeysBeforeCreate(t *testing.T) {
	f := newFixture(t, "generate_purge")
	ctx := context.Background()
	f.keys.onRemove = func(keyID int) {
		if err := f.svc.ForgetDeletedKey(ctx, model.NativeKey{ID: keyID}); err != nil {
			t.Fatalf("forget after removal: %v", err)
		}
	}
	seedAgedKeys(t, f.store,
		model.TrackedKey{ID: 1, KeyID: 61, UserID: 1, Text: "ssh-ed25519 AAAAFIRST", Type: model.KeyTypeUser, CreatedAt: time.Now().UTC().AddDate(0, 0, -30)},
		model.TrackedKey{ID: 2, KeyID: 62, UserID: 1, Text: "ssh-ed25519 AAAASECOND", Type: model.KeyTypeUser, CreatedAt: time.Now().UTC().AddDate(0, 0, -10)},
	)

	if _, err := f.svc.GenerateNewKeyPairFor(ctx, f.principal(t, "alice")); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(f.keys.removed) != 2 {
		t.Fatalf("expected both old keys revoked, got %v", f.keys.removed)
	}
	if len(f.keys.added) != 1 {
		t.Fatalf("expected exactly one new registration, got %d", len(f.keys.added))
	}
	records, err := f.store.KeysForUser(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].KeyID != 101 {
		t.Fatalf("expected only the new key to remain, got %+v", records)
	}
}

func TestGenerateNativeFailureLeavesOrphanForReconciliation(t *testing.T) {
	f := newFixture(t, "generate_orphan")
	f.keys.addErr = errors.New("stash unavailable")
	ctx := context.Background()

	if _, err := f.svc.GenerateNewKeyPairFor(ctx, f.principal(t, "alice")); err == nil {
		t.Fatal("expected registration failure to surface")
	}

	records, err := f.store.KeysForUser(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].KeyID != 0 {
		t.Fatalf("expected one orphan record without native id, got %+v", records)
	}

	// Inside the grace period the orphan is left alone.
	if purged, err := f.svc.ReconcileOrphanedRecords(ctx, time.Hour); err != nil || purged != 0 {
		t.Fatalf("expected no purge inside grace period, got %d, err %v", purged, err)
	}

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	purged, err := f.svc.ReconcileOrphanedRecords(ctx, time.Hour)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged orphan, got %d", purged)
	}
	records, err = f.store.KeysForUser(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected orphan to be purged, got %+v", records)
	}
}

// seedAgedKeys loads backdated records through the backup restore path,
// which preserves creation timestamps.
func seedAgedKeys(t *testing.T, store db.Store, keys ...model.TrackedKey) {
	t.Helper()
	if err := store.ImportDataFromBackup(&model.BackupData{SchemaVersion: 1, TrackedKeys: keys}); err != nil {
		t.Fatalf("seed aged keys: %v", err)
	}
}

func TestSweepExpiresOnlyAgedUserKeys(t *testing.T) {
	f := newFixture(t, "sweep_selection")
	now := time.Now().UTC()
	seedAgedKeys(t, f.store,
		model.TrackedKey{ID: 1, KeyID: 11, UserID: 1, Text: "ssh-ed25519 AAAAOLD", Type: model.KeyTypeUser, CreatedAt: now.AddDate(0, 0, -91)},
		model.TrackedKey{ID: 2, KeyID: 12, UserID: 1, Text: "ssh-ed25519 AAAAFRESH", Type: model.KeyTypeUser, CreatedAt: now.AddDate(0, 0, -10)},
		model.TrackedKey{ID: 3, KeyID: 13, UserID: 7, Text: "ssh-ed25519 AAAABYPASS", Type: model.KeyTypeBypass, CreatedAt: now.AddDate(0, 0, -200)},
	)

	if err := f.svc.ReplaceExpiredKeysAndNotifyUsers(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(f.keys.removed) != 1 || f.keys.removed[0] != 11 {
		t.Fatalf("expected only key 11 revoked, got %v", f.keys.removed)
	}
	if len(f.notifier.notified) != 1 || f.notifier.notified[0] != 1 {
		t.Fatalf("expected owner of expired key notified, got %v", f.notifier.notified)
	}
	remaining, err := f.store.KeysForUser(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].KeyID != 12 {
		t.Fatalf("expected only fresh user key to remain, got %+v", remaining)
	}
	if got := f.audit.actions(); len(got) != 1 || got[0] != ActionKeyExpired {
		t.Fatalf("expected %s audit event, got %v", ActionKeyExpired, got)
	}
}

func TestSweepSkipsFailingRecordsAndContinues(t *testing.T) {
	f := newFixture(t, "sweep_isolation")
	now := time.Now().UTC()
	seedAgedKeys(t, f.store,
		model.TrackedKey{ID: 1, KeyID: 11, UserID: 1, Text: "ssh-ed25519 AAAASTUCK", Type: model.KeyTypeUser, CreatedAt: now.AddDate(0, 0, -120)},
		model.TrackedKey{ID: 2, KeyID: 12, UserID: 2, Text: "ssh-ed25519 AAAAGONE", Type: model.KeyTypeUser, CreatedAt: now.AddDate(0, 0, -120)},
	)
	f.keys.removeErrFor = map[int]error{11: errors.New("conflict")}

	if err := f.svc.ReplaceExpiredKeysAndNotifyUsers(context.Background()); err != nil {
		t.Fatalf("sweep must not abort on a single failure: %v", err)
	}

	if len(f.keys.removed) != 1 || f.keys.removed[0] != 12 {
		t.Fatalf("expected key 12 still processed, got %v", f.keys.removed)
	}
	stuck, err := f.store.KeysForUser(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("failed record must keep its ledger entry, got %+v", stuck)
	}
	gone, err := f.store.KeysForUser(2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(gone) != 0 {
		t.Fatalf("processed record must be removed, got %+v", gone)
	}
}

func TestSweepToleratesUnknownOwnerAndNotifierFailure(t *testing.T) {
	f := newFixture(t, "sweep_tolerance")
	now := time.Now().UTC()
	seedAgedKeys(t, f.store,
		model.TrackedKey{ID: 1, KeyID: 11, UserID: 999, Text: "ssh-ed25519 AAAADEPARTED", Type: model.KeyTypeUser, CreatedAt: now.AddDate(0, 0, -120)},
	)
	f.notifier.err = errors.New("smtp down")

	if err := f.svc.ReplaceExpiredKeysAndNotifyUsers(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(f.keys.removed) != 1 || f.keys.removed[0] != 11 {
		t.Fatalf("expected key 11 revoked despite failures, got %v", f.keys.removed)
	}
	remaining, err := f.store.KeysForUser(999)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected ledger record removed, got %+v", remaining)
	}
}

func TestForgetDeletedKey(t *testing.T) {
	f := newFixture(t, "forget")
	ctx := context.Background()

	if _, err := f.store.SaveExternalKey(model.NativeKey{ID: 77, Text: "ssh-ed25519 AAAATRACKED"}, 1, model.KeyTypeBypass); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.svc.ForgetDeletedKey(ctx, model.NativeKey{ID: 77}); err != nil {
		t.Fatalf("forget tracked: %v", err)
	}
	records, err := f.store.KeysForUser(1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected record removed, got %+v", records)
	}

	// Removal of a key that was never tracked is silently ignored.
	if err := f.svc.ForgetDeletedKey(ctx, model.NativeKey{ID: 12345}); err != nil {
		t.Fatalf("forget untracked: %v", err)
	}
	if got := f.audit.actions(); len(got) != 1 || got[0] != ActionKeyForgotten {
		t.Fatalf("expected single %s audit event, got %v", ActionKeyForgotten, got)
	}
}

func TestAssociateRecordsFirstGrantOnly(t *testing.T) {
	f := newFixture(t, "associate")
	f.grants.grants = []model.AccessGrant{
		{Resource: model.Resource{Kind: model.ResourceRepository, ID: 10}},
		{Resource: model.Resource{Kind: model.ResourceProject, ID: 20}},
	}
	record, err := f.store.SaveExternalKey(model.NativeKey{ID: 31, Text: "ssh-ed25519 AAAAACCESS"}, 7, model.KeyTypeBamboo)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	f.svc.AssociateKeyWithResource(context.Background(), record)

	if f.grants.lastPage != (PageRequest{Start: 0, Limit: 1}) {
		t.Fatalf("expected single-entry page request, got %+v", f.grants.lastPage)
	}
	stored, err := f.store.FindKeyByText("ssh-ed25519 AAAAACCESS")
	if err != nil || stored == nil {
		t.Fatalf("lookup: %+v, err %v", stored, err)
	}
	if stored.Resource.Kind != model.ResourceRepository || stored.Resource.ID != 10 {
		t.Fatalf("expected first grant persisted, got %+v", stored.Resource)
	}
}

func TestGetKeysForUserUnknownUser(t *testing.T) {
	f := newFixture(t, "unknown_user")
	_, err := f.svc.GetKeysForUser(context.Background(), "nobody")
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}
