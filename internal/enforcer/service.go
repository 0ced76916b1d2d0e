// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package enforcer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/db"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/logging"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/sshkey"
)

// userKeyComment marks key pairs generated by this system.
const userKeyComment = "ENTERPRISE USER KEY"

// ErrUnknownUser is returned when a named principal cannot be resolved.
var ErrUnknownUser = errors.New("unknown user")

// Service is the governance engine. The two event entry points
// (InterceptSystemKey for additions, ForgetDeletedKey for removals) never
// call each other; they communicate only through ledger state, which is
// what prevents the revoke/deletion-event cycle from looping.
type Service struct {
	ledger   db.Store
	keys     NativeKeyStore
	grants   AccessGrantIndex
	users    UserDirectory
	keygen   KeyPairGenerator
	notifier Notifier
	settings Settings
	audit    AuditWriter

	// now is a test seam for expiry arithmetic.
	now func() time.Time
}

// New wires the engine to its collaborators. The audit writer may be nil,
// in which case no audit trail is produced.
func New(ledger db.Store, keys NativeKeyStore, grants AccessGrantIndex, users UserDirectory,
	keygen KeyPairGenerator, notifier Notifier, settings Settings, audit AuditWriter) *Service {
	return &Service{
		ledger:   ledger,
		keys:     keys,
		grants:   grants,
		users:    users,
		keygen:   keygen,
		notifier: notifier,
		settings: settings,
		audit:    audit,
		now:      time.Now,
	}
}

// normalizeText reduces key text to the canonical "algorithm keydata" form
// stored in the ledger, so lookups agree with Bitbucket regardless of how
// the event payload renders comments and whitespace.
func normalizeText(text string) string {
	norm, err := sshkey.Normalize(text)
	if err != nil {
		return strings.TrimSpace(text)
	}
	return norm
}

// InterceptSystemKey is invoked on every native key-registration event. It
// is idempotent under duplicate delivery: an already-tracked key is a
// no-op. Untracked keys are either accepted under bypass policy (one
// ledger write) or revoked at the native store (one revocation), never
// both.
//
// A ledger or directory failure is returned to the dispatcher without
// revoking: the key stays in the native store and the still-untracked key
// is re-evaluated on the next event delivery.
func (s *Service) InterceptSystemKey(ctx context.Context, key model.NativeKey, user model.Principal) error {
	logging.Debugf("interceptSystemKey checking key %d", key.ID)

	text := normalizeText(key.Text)
	tracked, err := s.ledger.FindKeyByText(text)
	if err != nil {
		return fmt.Errorf("ledger lookup for key %d: %w", key.ID, err)
	}
	if tracked != nil {
		logging.Infof("no action required, valid key %d is already known", key.ID)
		return nil
	}

	decision, err := EvaluateBypass(ctx, user, s.settings.AuthorizedUser(), s.settings.AuthorizedGroup(), s.users)
	if err != nil {
		return fmt.Errorf("bypass evaluation for key %d: %w", key.ID, err)
	}

	if decision != BypassNone {
		normalized := key
		normalized.Text = text
		record, err := s.ledger.SaveExternalKey(normalized, user.ID, decision.KeyType())
		if err != nil {
			// Must not fall through to revocation: the key may be legitimate
			// and the event will be re-delivered while it stays untracked.
			logging.Errorf("ledger write failed for bypassed key %d (user %s): %v", key.ID, user, err)
			return fmt.Errorf("persist bypass record for key %d: %w", key.ID, err)
		}
		switch decision {
		case BypassBamboo:
			logging.Infof("bamboo key %d created by authorized system account %s", key.ID, user)
			s.auditEvent(ActionBambooKeyAccepted, key.ID, user.ID, "authorized system account")
		case BypassGroup:
			logging.Infof("bypass key %d created by %s, member of authorized group", key.ID, user)
			s.auditEvent(ActionBypassKeyAccepted, key.ID, user.ID, "member of authorized group")
		}
		s.AssociateKeyWithResource(ctx, record)
		return nil
	}

	if err := s.keys.Remove(ctx, key.ID); err != nil {
		return fmt.Errorf("revoke unauthorized key %d: %w", key.ID, err)
	}
	logging.Warnf("invalid or illegal key removed for user %d (%s)", user.ID, user)
	s.auditEvent(ActionKeyRevoked, key.ID, user.ID, "untracked key, no bypass matched")
	return nil
}

// GenerateNewKeyPairFor revokes all existing USER keys for the principal
// and issues a fresh managed pair. The returned private key is handed to
// the caller once and never persisted.
func (s *Service) GenerateNewKeyPairFor(ctx context.Context, user model.Principal) (*model.KeyPair, error) {
	if err := s.removeExistingUserKeysFor(ctx, user); err != nil {
		return nil, err
	}

	pair, err := s.keygen.Generate(userKeyComment)
	if err != nil {
		return nil, fmt.Errorf("generate key pair for %s: %w", user, err)
	}

	// The ledger record must exist before the native store learns about the
	// key: registration fires an addition event, and interception would
	// otherwise classify the brand-new key as untracked and revoke it.
	record, err := s.ledger.CreateOrUpdateUserKey(user.ID, normalizeText(pair.PublicKey), userKeyComment)
	if err != nil {
		return nil, fmt.Errorf("persist user key record for %s: %w", user, err)
	}

	native, err := s.keys.AddForUser(ctx, user, pair.PublicKey)
	if err != nil {
		// The record has no native id yet; the orphan sweep reconciles it.
		logging.Errorf("native registration failed for user %s, ledger record %d left for reconciliation: %v", user, record.ID, err)
		return nil, fmt.Errorf("register key for %s: %w", user, err)
	}

	if err := s.ledger.UpdateKeyID(record.ID, native.ID); err != nil {
		return nil, fmt.Errorf("assign native id %d to record %d: %w", native.ID, record.ID, err)
	}
	logging.Infof("new managed key %d of type USER created for user %d (%s)", native.ID, user.ID, user)
	s.auditEvent(ActionUserKeyCreated, native.ID, user.ID, "managed key pair issued")
	return &pair, nil
}

// removeExistingUserKeysFor revokes every USER-type key the principal owns
// at the native store. Each revocation fires a deletion event that
// ForgetDeletedKey handles, which is what removes the ledger records.
func (s *Service) removeExistingUserKeysFor(ctx context.Context, user model.Principal) error {
	records, err := s.ledger.KeysForUser(user.ID)
	if err != nil {
		return fmt.Errorf("list keys for %s: %w", user, err)
	}
	for _, record := range records {
		if record.Type != model.KeyTypeUser {
			continue
		}
		if record.KeyID == 0 {
			// Never registered natively; the orphan sweep owns it.
			continue
		}
		if err := s.keys.Remove(ctx, record.KeyID); err != nil {
			return fmt.Errorf("revoke old key %d for %s: %w", record.KeyID, user, err)
		}
	}
	return nil
}

// ReplaceExpiredKeysAndNotifyUsers is the scheduled sweep: it revokes USER
// keys older than the retention window, removes their ledger records, and
// notifies the owners. Per-record failures are logged and skipped; the
// sweep never aborts early.
func (s *Service) ReplaceExpiredKeysAndNotifyUsers(ctx context.Context) error {
	days := s.settings.UserKeyRetentionDays()
	cutoff := s.now().AddDate(0, 0, -days)
	expired, err := s.ledger.ExpiredKeys(cutoff, model.KeyTypeUser)
	if err != nil {
		return fmt.Errorf("list expired keys: %w", err)
	}

	for _, record := range expired {
		username := fmt.Sprintf("UNKNOWN_ID:%d", record.UserID)
		if user, err := s.users.UserByID(ctx, record.UserID); err != nil {
			logging.Warnf("could not resolve user %d during expiry sweep: %v", record.UserID, err)
		} else if user != nil {
			username = user.Name
		}

		logging.Infof("removing expired key %d for user %s", record.KeyID, username)
		if err := s.keys.Remove(ctx, record.KeyID); err != nil {
			logging.Errorf("key removal failed for user %d: %v", record.UserID, err)
			continue
		}
		if err := s.ledger.RemoveKey(record.ID); err != nil {
			logging.Errorf("ledger removal failed for record %d: %v", record.ID, err)
			continue
		}
		if err := s.notifier.NotifyExpiredKey(ctx, record.UserID); err != nil {
			logging.Warnf("expiry notification for user %d failed: %v", record.UserID, err)
		}
		s.auditEvent(ActionKeyExpired, record.KeyID, record.UserID, fmt.Sprintf("older than %d days", days))
	}
	return nil
}

// ForgetDeletedKey is invoked on every native key-removal event, including
// removals this engine triggered itself. It only deletes ledger state and
// never revokes, so a self-triggered deletion event terminates here.
func (s *Service) ForgetDeletedKey(ctx context.Context, key model.NativeKey) error {
	err := s.ledger.ForgetKeyMatching(key.ID)
	if errors.Is(err, db.ErrNotTracked) {
		logging.Debugf("no ledger record for deleted key %d, was likely never tracked", key.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("forget deleted key %d: %w", key.ID, err)
	}
	s.auditEvent(ActionKeyForgotten, key.ID, 0, "native key removed")
	return nil
}

// AssociateKeyWithResource queries the access-grant index for the record's
// native key and stores the first grant's target, if any. The record is
// persisted either way so pending field updates are flushed. Lookup
// failures are logged, not returned; association is best-effort audit data.
func (s *Service) AssociateKeyWithResource(ctx context.Context, record *model.TrackedKey) {
	grants, err := s.grants.GrantsForKey(ctx, record.KeyID, PageRequest{Start: 0, Limit: 1})
	if err != nil {
		logging.Warnf("access grant lookup failed for key %d: %v", record.KeyID, err)
	} else if len(grants) > 0 {
		// Page size is 1: a key grants access to at most one resource in
		// this model, so only the first discovered grant is recorded.
		record.Resource = grants[0].Resource
		logging.Infof("key %d is an access key for %s", record.KeyID, record.Resource)
	}
	if err := s.ledger.UpdateKey(record); err != nil {
		logging.Errorf("could not persist association for record %d: %v", record.ID, err)
	}
}

// ReconcileOrphanedRecords purges ledger records that never received a
// native key id and are older than the grace period. These are the
// leftovers of generation attempts whose native registration failed.
func (s *Service) ReconcileOrphanedRecords(ctx context.Context, grace time.Duration) (int, error) {
	orphans, err := s.ledger.OrphanedKeys(s.now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("list orphaned records: %w", err)
	}
	purged := 0
	for _, record := range orphans {
		if err := s.ledger.RemoveKey(record.ID); err != nil {
			logging.Errorf("could not purge orphaned record %d: %v", record.ID, err)
			continue
		}
		s.auditEvent(ActionOrphanPurged, 0, record.UserID, "record never received a native key id")
		purged++
	}
	return purged, nil
}

// GetKeysForUser returns the tracked keys owned by the named user.
func (s *Service) GetKeysForUser(ctx context.Context, username string) ([]model.TrackedKey, error) {
	user, err := s.users.UserByName(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("resolve user %q: %w", username, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	return s.ledger.KeysForUser(user.ID)
}
