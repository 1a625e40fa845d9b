// Package backup keeps timestamped copies of source spreadsheets before they
// are modified, retaining only the newest few per file stem.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/stockroom/internal/safewrite"
)

const (
	DefaultKeep     = 5
	timestampLayout = "060102-150405"
	backupExt       = ".bak"
)

var ErrBackupFailed = errors.New("backup failed")

type Options struct {
	Dir    string
	Keep   int
	Now    func() time.Time
	Logger zerolog.Logger
}

type Rotator struct {
	dir    string
	keep   int
	now    func() time.Time
	logger zerolog.Logger
}

// Entry describes one retained backup file.
type Entry struct {
	Path    string    `json:"path"`
	Stem    string    `json:"stem"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

func NewRotator(opts Options) *Rotator {
	keep := opts.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Rotator{
		dir:    strings.TrimSpace(opts.Dir),
		keep:   keep,
		now:    now,
		logger: opts.Logger,
	}
}

func (r *Rotator) Dir() string {
	return r.dir
}

// Backup copies path to <dir>/<stem>_<UTC-YYMMDD-HHMMSS><ext>.bak and prunes
// older backups of the same stem. Any failure is reported as ErrBackupFailed.
func (r *Rotator) Backup(path string) (string, error) {
	if r.dir == "" {
		return "", fmt.Errorf("%w: backup directory not configured", ErrBackupFailed)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrBackupFailed, path)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	stem, ext := splitName(filepath.Base(path))
	name := fmt.Sprintf("%s_%s%s%s", stem, r.now().UTC().Format(timestampLayout), ext, backupExt)
	target := filepath.Join(r.dir, name)
	if err := copyWithMetadata(path, target, info); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	if err := r.prune(stem); err != nil {
		r.logger.Warn().Err(err).Str("stem", stem).Msg("backup prune failed")
	}
	r.logger.Debug().Str("source", path).Str("backup", target).Msg("backup created")
	return target, nil
}

// List returns the retained backups for stem, newest first.
func (r *Rotator) List(stem string) ([]Entry, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	pattern := stemPattern(stem)
	out := make([]Entry, 0)
	for _, entry := range entries {
		if entry.IsDir() || !pattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Path:    filepath.Join(r.dir, entry.Name()),
			Stem:    stem,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Path > out[j].Path
	})
	return out, nil
}

// ListFor returns the retained backups of the given source file.
func (r *Rotator) ListFor(sourcePath string) ([]Entry, error) {
	stem, _ := splitName(filepath.Base(sourcePath))
	return r.List(stem)
}

// Restore copies a backup over target atomically.
func (r *Rotator) Restore(backupPath, target string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	return safewrite.WriteFile(target, data, 0o644)
}

func (r *Rotator) prune(stem string) error {
	entries, err := r.List(stem)
	if err != nil {
		return err
	}
	if len(entries) <= r.keep {
		return nil
	}
	var errs []error
	for _, entry := range entries[r.keep:] {
		if err := os.Remove(entry.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func splitName(base string) (stem, ext string) {
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

func stemPattern(stem string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(stem) + `_\d{6}-\d{6}[^_]*\.bak$`)
}

func copyWithMetadata(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
