// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package msgsync

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Crypto store names the exporter is asked about.
const (
	StoreProteus = "proteus"
	StoreMLS     = "mls"
)

// ManifestVersion is the current metadata.json schema version.
const ManifestVersion = 1

// manifestFileName inside the uploaded archive.
const manifestFileName = "metadata.json"

// Manifest is embedded in every uploaded snapshot. Immutable once created;
// one per upload attempt.
type Manifest struct {
	Version           int    `json:"version"`
	ClientID          string `json:"client_id"`
	MLSPassphrase     string `json:"mls_db_passphrase"`     // base64
	ProteusPassphrase string `json:"proteus_db_passphrase"` // base64
	LastEventID       string `json:"last_event_id,omitempty"`
}

// CryptoExporter is the narrow view of the cryptography collaborator the
// backup needs. The engine never inspects cryptographic material.
type CryptoExporter interface {
	// StoreExists reports whether the named store has an on-disk directory.
	StoreExists(name string) bool
	// ExportStore writes a portable copy of the named store to destPath.
	ExportStore(ctx context.Context, name, destPath string) error
	// StorePassphrase returns the raw passphrase protecting the named store.
	StorePassphrase(name string) ([]byte, error)
}

// StateBackupConfig wires the snapshot producer.
type StateBackupConfig struct {
	Enabled bool
	UserID  string
	// ClientID returns the registered device id; ok=false when no device is
	// registered.
	ClientID func(ctx context.Context) (string, bool)
	// LastEventID is best-effort: an error produces a manifest without the
	// event id, never an aborted backup.
	LastEventID func(ctx context.Context) (string, error)
	// WorkDir holds exported copies and the archive while assembling.
	WorkDir string
	Logger  *slog.Logger
}

// StateBackup produces and uploads crypto state snapshots. Cheap to call
// opportunistically: the content hash gates the actual network transfer.
type StateBackup struct {
	cfg      StateBackupConfig
	exporter CryptoExporter
	repo     *Repository
	logger   *slog.Logger
}

// NewStateBackup wires the producer. A nil logger falls back to
// slog.Default().
func NewStateBackup(cfg StateBackupConfig, exporter CryptoExporter, repo *Repository) *StateBackup {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StateBackup{cfg: cfg, exporter: exporter, repo: repo, logger: logger}
}

// Backup exports the present crypto stores, assembles a compressed
// snapshot with its manifest, and uploads it. When the content hash equals
// lastUploadedHash, the unchanged hash is returned and the network call is
// skipped entirely.
//
// Unmet preconditions return an error wrapping ErrBackupSkipped.
func (b *StateBackup) Backup(ctx context.Context, lastUploadedHash string) (string, error) {
	if !b.cfg.Enabled {
		return "", fmt.Errorf("%w: feature disabled", ErrBackupSkipped)
	}
	clientID, ok := b.cfg.ClientID(ctx)
	if !ok {
		return "", fmt.Errorf("%w: no device registered", ErrBackupSkipped)
	}
	proteusExists := b.exporter.StoreExists(StoreProteus)
	mlsExists := b.exporter.StoreExists(StoreMLS)
	if !proteusExists && !mlsExists {
		return "", fmt.Errorf("%w: no crypto store present", ErrBackupSkipped)
	}

	archivePath := filepath.Join(b.cfg.WorkDir, fmt.Sprintf("crypto_state_%d.zip", time.Now().UnixNano()))
	defer os.Remove(archivePath)

	if err := b.assembleArchive(ctx, archivePath, clientID, proteusExists, mlsExists); err != nil {
		return "", err
	}

	hash, size, err := hashFile(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to hash snapshot: %w", err)
	}

	if hash == lastUploadedHash {
		b.logger.Info("crypto state unchanged, skipping upload", "hash", hash[:8])
		return hash, nil
	}

	b.logger.Info("crypto state changed, uploading", "hash", hash[:8], "size", size)
	err = b.repo.UploadStateBackup(ctx, b.cfg.UserID, func() (io.ReadCloser, error) {
		return os.Open(archivePath)
	}, size)
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (b *StateBackup) assembleArchive(ctx context.Context, archivePath, clientID string, proteusExists, mlsExists bool) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	type export struct {
		store   string
		archive string
	}
	var exports []export
	if mlsExists {
		exports = append(exports, export{StoreMLS, "mls/mls.db"})
	}
	if proteusExists {
		exports = append(exports, export{StoreProteus, "proteus/proteus.db"})
	}

	for _, e := range exports {
		exportPath := filepath.Join(b.cfg.WorkDir, e.store+"_export.db")
		if err := b.exporter.ExportStore(ctx, e.store, exportPath); err != nil {
			return fmt.Errorf("failed to export %s store: %w", e.store, err)
		}
		if err := addFileToZip(zw, e.archive, exportPath); err != nil {
			return err
		}
		os.Remove(exportPath)
	}

	manifest, err := b.buildManifest(ctx, clientID)
	if err != nil {
		return err
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: manifestFileName, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("failed to add manifest to snapshot: %w", err)
	}
	if _, err := w.Write(manifestJSON); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return nil
}

func (b *StateBackup) buildManifest(ctx context.Context, clientID string) (*Manifest, error) {
	m := &Manifest{Version: ManifestVersion, ClientID: clientID}

	for _, store := range []string{StoreMLS, StoreProteus} {
		if !b.exporter.StoreExists(store) {
			continue
		}
		passphrase, err := b.exporter.StorePassphrase(store)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s passphrase: %w", store, err)
		}
		encoded := base64.StdEncoding.EncodeToString(passphrase)
		if store == StoreMLS {
			m.MLSPassphrase = encoded
		} else {
			m.ProteusPassphrase = encoded
		}
	}

	if b.cfg.LastEventID != nil {
		eventID, err := b.cfg.LastEventID(ctx)
		if err != nil {
			// Best-effort: a manifest without the event id is still valid.
			b.logger.Warn("failed to retrieve last event id for backup", "error", err)
		} else if eventID != "" {
			m.LastEventID = eventID
		}
	}
	return m, nil
}

// addFileToZip stores src under name with a zeroed timestamp, so archives
// of identical content hash identically across runs.
func addFileToZip(zw *zip.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("failed to add %s to snapshot: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to compress %s: %w", name, err)
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
