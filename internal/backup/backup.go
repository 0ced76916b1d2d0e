// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package backup reads and writes portable ledger snapshots. Snapshots are
// zstd-compressed JSON so they stay small and survive schema-independent
// transport between storage engines.
package backup

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/db"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

// Write exports the store's full contents as a compressed snapshot.
func Write(store db.Store, w io.Writer) error {
	data, err := store.ExportDataForBackup()
	if err != nil {
		return fmt.Errorf("export ledger: %w", err)
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode backup: %w", err)
	}
	return zw.Close()
}

// Restore replaces the store's contents with the snapshot read from r.
func Restore(store db.Store, r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	var data model.BackupData
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return fmt.Errorf("decode backup: %w", err)
	}
	return store.ImportDataFromBackup(&data)
}

// Migrate copies the full ledger from one store into a freshly opened
// target, which is how deployments move between storage engines.
func Migrate(store db.Store, targetType, targetDSN string) error {
	data, err := store.ExportDataForBackup()
	if err != nil {
		return fmt.Errorf("export ledger: %w", err)
	}
	target, err := db.NewStoreFromDSN(targetType, targetDSN)
	if err != nil {
		return fmt.Errorf("init target store: %w", err)
	}
	if err := target.ImportDataFromBackup(data); err != nil {
		return fmt.Errorf("import to target: %w", err)
	}
	return nil
}
