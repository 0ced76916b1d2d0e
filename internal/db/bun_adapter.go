package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
	"github.com/uptrace/bun"
)

// TrackedKeyModel maps the `tracked_keys` table for Bun queries.
type TrackedKeyModel struct {
	bun.BaseModel `bun:"table:tracked_keys"`
	ID            int            `bun:"id,pk,autoincrement"`
	KeyID         sql.NullInt64  `bun:"key_id"`
	UserID        int            `bun:"user_id"`
	PublicKey     string         `bun:"public_key"`
	Comment       sql.NullString `bun:"comment"`
	KeyType       string         `bun:"key_type"`
	RepoID        sql.NullInt64  `bun:"repo_id"`
	ProjectID     sql.NullInt64  `bun:"project_id"`
	CreatedAt     time.Time      `bun:"created_at"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int           `bun:"id,pk,autoincrement"`
	Timestamp     time.Time     `bun:"timestamp"`
	Action        string        `bun:"action"`
	KeyID         sql.NullInt64 `bun:"key_id"`
	UserID        sql.NullInt64 `bun:"user_id"`
	Details       sql.NullString `bun:"details"`
}

// --- Mapping helpers (centralized conversions) ---

func trackedKeyModelToModel(m TrackedKeyModel) model.TrackedKey {
	k := model.TrackedKey{
		ID:        m.ID,
		UserID:    m.UserID,
		Text:      m.PublicKey,
		Type:      model.KeyType(m.KeyType),
		CreatedAt: m.CreatedAt,
	}
	if m.KeyID.Valid {
		k.KeyID = int(m.KeyID.Int64)
	}
	if m.Comment.Valid {
		k.Comment = m.Comment.String
	}
	// repo_id and project_id are mutually exclusive; repo wins if both are
	// somehow set so callers always see a single association.
	if m.RepoID.Valid {
		k.Resource = model.Resource{Kind: model.ResourceRepository, ID: int(m.RepoID.Int64)}
	} else if m.ProjectID.Valid {
		k.Resource = model.Resource{Kind: model.ResourceProject, ID: int(m.ProjectID.Int64)}
	}
	return k
}

func modelToTrackedKeyModel(k model.TrackedKey) TrackedKeyModel {
	m := TrackedKeyModel{
		ID:        k.ID,
		UserID:    k.UserID,
		PublicKey: k.Text,
		KeyType:   string(k.Type),
		CreatedAt: k.CreatedAt,
		Comment:   sql.NullString{String: k.Comment, Valid: k.Comment != ""},
		KeyID:     sql.NullInt64{Int64: int64(k.KeyID), Valid: k.KeyID != 0},
	}
	switch k.Resource.Kind {
	case model.ResourceRepository:
		m.RepoID = sql.NullInt64{Int64: int64(k.Resource.ID), Valid: true}
	case model.ResourceProject:
		m.ProjectID = sql.NullInt64{Int64: int64(k.Resource.ID), Valid: true}
	}
	return m
}

func auditLogModelToModel(m AuditLogModel) model.AuditLogEntry {
	e := model.AuditLogEntry{
		ID:        m.ID,
		Timestamp: m.Timestamp,
		Action:    m.Action,
	}
	if m.KeyID.Valid {
		e.KeyID = int(m.KeyID.Int64)
	}
	if m.UserID.Valid {
		e.UserID = int(m.UserID.Int64)
	}
	if m.Details.Valid {
		e.Details = m.Details.String
	}
	return e
}

// SaveExternalKeyBun records an externally created key that was accepted
// under bypass policy. The native key id is already known.
func SaveExternalKeyBun(bdb *bun.DB, key model.NativeKey, userID int, keyType model.KeyType) (*model.TrackedKey, error) {
	ctx := context.Background()
	m := &TrackedKeyModel{
		KeyID:     sql.NullInt64{Int64: int64(key.ID), Valid: key.ID != 0},
		UserID:    userID,
		PublicKey: key.Text,
		Comment:   sql.NullString{String: key.Label, Valid: key.Label != ""},
		KeyType:   string(keyType),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := bdb.NewInsert().Model(m).
		Column("key_id", "user_id", "public_key", "comment", "key_type", "created_at").
		Returning("id").Exec(ctx); err != nil {
		return nil, MapDBError(err)
	}
	out := trackedKeyModelToModel(*m)
	return &out, nil
}

// CreateOrUpdateUserKeyBun inserts a USER record for freshly generated key
// material. If a record with the same public key text already exists it is
// re-pointed at the user instead, keeping the uniqueness invariant.
func CreateOrUpdateUserKeyBun(bdb *bun.DB, userID int, publicKey, comment string) (*model.TrackedKey, error) {
	ctx := context.Background()

	var existing TrackedKeyModel
	err := bdb.NewSelect().Model(&existing).Where("public_key = ?", publicKey).Limit(1).Scan(ctx)
	if err == nil {
		existing.UserID = userID
		existing.Comment = sql.NullString{String: comment, Valid: comment != ""}
		existing.KeyType = string(model.KeyTypeUser)
		existing.CreatedAt = time.Now().UTC()
		if _, err := bdb.NewUpdate().Model(&existing).
			Column("user_id", "comment", "key_type", "created_at").
			Where("id = ?", existing.ID).Exec(ctx); err != nil {
			return nil, MapDBError(err)
		}
		out := trackedKeyModelToModel(existing)
		return &out, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	m := &TrackedKeyModel{
		UserID:    userID,
		PublicKey: publicKey,
		Comment:   sql.NullString{String: comment, Valid: comment != ""},
		KeyType:   string(model.KeyTypeUser),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := bdb.NewInsert().Model(m).
		Column("user_id", "public_key", "comment", "key_type", "created_at").
		Returning("id").Exec(ctx); err != nil {
		return nil, MapDBError(err)
	}
	out := trackedKeyModelToModel(*m)
	return &out, nil
}

// UpdateKeyIDBun stores the native key id assigned by Bitbucket on a record
// created before registration.
func UpdateKeyIDBun(bdb *bun.DB, recordID, keyID int) error {
	ctx := context.Background()
	_, err := bdb.NewUpdate().Model((*TrackedKeyModel)(nil)).
		Set("key_id = ?", keyID).
		Where("id = ?", recordID).Exec(ctx)
	return err
}

// UpdateKeyBun persists all mutable fields of a tracked key record.
func UpdateKeyBun(bdb *bun.DB, record *model.TrackedKey) error {
	ctx := context.Background()
	m := modelToTrackedKeyModel(*record)
	_, err := bdb.NewUpdate().Model(&m).
		Column("key_id", "user_id", "comment", "key_type", "repo_id", "project_id").
		Where("id = ?", m.ID).Exec(ctx)
	return err
}

// KeysForUserBun returns all tracked keys owned by the given user.
func KeysForUserBun(bdb *bun.DB, userID int) ([]model.TrackedKey, error) {
	ctx := context.Background()
	var ms []TrackedKeyModel
	err := bdb.NewSelect().Model(&ms).Where("user_id = ?", userID).OrderExpr("created_at, id").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.TrackedKey, 0, len(ms))
	for _, m := range ms {
		out = append(out, trackedKeyModelToModel(m))
	}
	return out, nil
}

// ExpiredKeysBun returns all records of the given type created before cutoff.
func ExpiredKeysBun(bdb *bun.DB, cutoff time.Time, keyType model.KeyType) ([]model.TrackedKey, error) {
	ctx := context.Background()
	var ms []TrackedKeyModel
	err := bdb.NewSelect().Model(&ms).
		Where("key_type = ?", string(keyType)).
		Where("created_at < ?", cutoff).
		OrderExpr("created_at, id").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.TrackedKey, 0, len(ms))
	for _, m := range ms {
		out = append(out, trackedKeyModelToModel(m))
	}
	return out, nil
}

// FindKeyByTextBun looks a record up by exact public key text.
// Returns (nil, nil) when no record matches.
func FindKeyByTextBun(bdb *bun.DB, publicKey string) (*model.TrackedKey, error) {
	ctx := context.Background()
	var m TrackedKeyModel
	err := bdb.NewSelect().Model(&m).Where("public_key = ?", publicKey).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	out := trackedKeyModelToModel(m)
	return &out, nil
}

// RemoveKeyBun deletes a ledger record by row id.
func RemoveKeyBun(bdb *bun.DB, recordID int) error {
	ctx := context.Background()
	_, err := bdb.NewDelete().Model((*TrackedKeyModel)(nil)).Where("id = ?", recordID).Exec(ctx)
	return err
}

// ForgetKeyMatchingBun deletes the record holding the given native key id.
// Returns ErrNotTracked when nothing matched; deletion events for keys we
// never tracked are routine.
func ForgetKeyMatchingBun(bdb *bun.DB, keyID int) error {
	ctx := context.Background()
	res, err := bdb.NewDelete().Model((*TrackedKeyModel)(nil)).Where("key_id = ?", keyID).Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotTracked
	}
	return nil
}

// OrphanedKeysBun returns records that never received a native key id and
// are older than the given time. These are generated keys whose native
// registration failed mid-flight.
func OrphanedKeysBun(bdb *bun.DB, olderThan time.Time) ([]model.TrackedKey, error) {
	ctx := context.Background()
	var ms []TrackedKeyModel
	err := bdb.NewSelect().Model(&ms).
		Where("key_id IS NULL").
		Where("created_at < ?", olderThan).
		OrderExpr("created_at, id").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.TrackedKey, 0, len(ms))
	for _, m := range ms {
		out = append(out, trackedKeyModelToModel(m))
	}
	return out, nil
}

// LogEventBun appends a structured audit event.
func LogEventBun(bdb *bun.DB, entry model.AuditLogEntry) error {
	ctx := context.Background()
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m := &AuditLogModel{
		Timestamp: ts,
		Action:    entry.Action,
		KeyID:     sql.NullInt64{Int64: int64(entry.KeyID), Valid: entry.KeyID != 0},
		UserID:    sql.NullInt64{Int64: int64(entry.UserID), Valid: entry.UserID != 0},
		Details:   sql.NullString{String: entry.Details, Valid: entry.Details != ""},
	}
	_, err := bdb.NewInsert().Model(m).
		Column("timestamp", "action", "key_id", "user_id", "details").Exec(ctx)
	return err
}

// GetAllAuditLogEntriesBun returns the audit trail, most recent first.
func GetAllAuditLogEntriesBun(bdb *bun.DB) ([]model.AuditLogEntry, error) {
	ctx := context.Background()
	var ms []AuditLogModel
	err := bdb.NewSelect().Model(&ms).OrderExpr("timestamp DESC, id DESC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(ms))
	for _, m := range ms {
		out = append(out, auditLogModelToModel(m))
	}
	return out, nil
}
