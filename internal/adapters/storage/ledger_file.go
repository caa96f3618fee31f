package storage

// ledger_file.go keeps the protected-asset ledger as one JSON document keyed
// by market. Writes go to a temp file first, the previous primary is copied to
// <path>.backup, then the temp file is renamed over the primary.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alejandrodnm/assetguard/internal/domain"
)

// LedgerFile implements ports.LedgerStore on the local filesystem.
type LedgerFile struct {
	path string
}

// NewLedgerFile returns a store for path. The directory is created if needed.
func NewLedgerFile(path string) (*LedgerFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage.NewLedgerFile: mkdir %q: %w", dir, err)
		}
	}
	return &LedgerFile{path: path}, nil
}

// Path returns the primary file path.
func (f *LedgerFile) Path() string { return f.path }

// BackupPath returns the path holding the previous snapshot.
func (f *LedgerFile) BackupPath() string { return f.path + ".backup" }

// Load reads the ledger. A missing file is an empty ledger. An unparsable file
// is moved to the backup path and an empty ledger is returned.
func (f *LedgerFile) Load() (map[string]*domain.ProtectedPosition, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]*domain.ProtectedPosition), nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.LedgerFile.Load: read: %w", err)
	}

	positions := make(map[string]*domain.ProtectedPosition)
	if err := json.Unmarshal(data, &positions); err != nil {
		slog.Error("storage: ledger file corrupted, quarantining", "path", f.path, "backup", f.BackupPath(), "err", err)
		if rerr := os.Rename(f.path, f.BackupPath()); rerr != nil {
			return nil, fmt.Errorf("storage.LedgerFile.Load: quarantine: %w", rerr)
		}
		return make(map[string]*domain.ProtectedPosition), nil
	}

	for market, p := range positions {
		if p == nil {
			delete(positions, market)
			continue
		}
		p.Market = market
	}
	return positions, nil
}

// Save writes the full snapshot atomically.
func (f *LedgerFile) Save(positions map[string]*domain.ProtectedPosition) error {
	data, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return fmt.Errorf("storage.LedgerFile.Save: marshal: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return fmt.Errorf("storage.LedgerFile.Save: write temp: %w", err)
	}

	if err := copyFile(f.path, f.BackupPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmp)
		return fmt.Errorf("storage.LedgerFile.Save: backup: %w", err)
	}

	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage.LedgerFile.Save: rename: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
