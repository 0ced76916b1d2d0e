// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
	"github.com/uptrace/bun"
)

// backupSchemaVersion is bumped whenever the exported shape changes.
const backupSchemaVersion = 1

// ExportDataForBackupBun reads all ledger tables inside one transaction so
// the snapshot is consistent.
func ExportDataForBackupBun(bdb *bun.DB) (*model.BackupData, error) {
	ctx := context.Background()
	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var keys []TrackedKeyModel
	if err := tx.NewSelect().Model(&keys).OrderExpr("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export tracked keys: %w", err)
	}
	var entries []AuditLogModel
	if err := tx.NewSelect().Model(&entries).OrderExpr("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export audit log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	data := &model.BackupData{SchemaVersion: backupSchemaVersion}
	for _, k := range keys {
		data.TrackedKeys = append(data.TrackedKeys, trackedKeyModelToModel(k))
	}
	for _, e := range entries {
		data.AuditLogEntries = append(data.AuditLogEntries, auditLogModelToModel(e))
	}
	return data, nil
}

// ImportDataFromBackupBun restores the ledger from a backup with a full
// wipe-and-replace inside a single transaction.
func ImportDataFromBackupBun(bdb *bun.DB, backup *model.BackupData) error {
	if backup == nil {
		return fmt.Errorf("nil backup data")
	}
	ctx := context.Background()
	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Bun requires a WHERE clause for deletes; raw statements wipe the tables.
	if _, err := ExecRaw(ctx, tx, "DELETE FROM tracked_keys"); err != nil {
		return fmt.Errorf("wipe tracked_keys: %w", err)
	}
	if _, err := ExecRaw(ctx, tx, "DELETE FROM audit_log"); err != nil {
		return fmt.Errorf("wipe audit_log: %w", err)
	}

	for _, k := range backup.TrackedKeys {
		m := modelToTrackedKeyModel(k)
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return fmt.Errorf("restore tracked key %d: %w", k.ID, err)
		}
	}
	for _, e := range backup.AuditLogEntries {
		m := AuditLogModel{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Action:    e.Action,
		}
		if e.KeyID != 0 {
			m.KeyID.Int64, m.KeyID.Valid = int64(e.KeyID), true
		}
		if e.UserID != 0 {
			m.UserID.Int64, m.UserID.Valid = int64(e.UserID), true
		}
		if e.Details != "" {
			m.Details.String, m.Details.Valid = e.Details, true
		}
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return fmt.Errorf("restore audit entry %d: %w", e.ID, err)
		}
	}

	return tx.Commit()
}
