// Package backup archives the game server's data directories.
//
// Archives are written as gzip-compressed tar files named
//
//	backup-{timestamp}-{id}.tar.gz
//
// with every configured path stored under its base name and a final
// backup-metadata.json entry listing each file with its SHA-256 checksum.
// After each successful archive, older archives beyond Keep are removed.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/loykin/gamewatch/internal/metrics"
)

const (
	filePrefix   = "backup-"
	fileSuffix   = ".tar.gz"
	metadataName = "backup-metadata.json"
	stampLayout  = "20060102T150405Z"
)

// Config selects what is archived and where archives go.
type Config struct {
	Paths []string `mapstructure:"paths"`
	Dir   string   `mapstructure:"dir"`
	Keep  int      `mapstructure:"keep"` // 0 keeps everything
	Level int      `mapstructure:"level"`
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if len(c.Paths) == 0 {
		return errors.New("backup requires paths")
	}
	if strings.TrimSpace(c.Dir) == "" {
		return errors.New("backup requires dir")
	}
	if c.Keep < 0 {
		return errors.New("backup keep must not be negative")
	}
	return nil
}

// File is one archived file.
type File struct {
	Path     string    `json:"path"`
	Original string    `json:"original_path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	Checksum string    `json:"checksum"`
}

// Metadata is stored as the last archive entry.
type Metadata struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Files     []File    `json:"files"`
}

// Manager creates and prunes archives.
type Manager struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// New returns a manager for cfg.
func New(cfg Config, log *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Level == 0 {
		cfg.Level = gzip.DefaultCompression
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log.With("component", "backup"), now: time.Now}, nil
}

// CreateBackup writes a new archive and returns its path.
func (m *Manager) CreateBackup(ctx context.Context) (string, error) {
	path, err := m.create(ctx)
	metrics.IncBackup(err == nil)
	if err != nil {
		return "", err
	}
	if removed, err := m.prune(); err != nil {
		m.log.Warn("backup retention failed", "error", err)
	} else if removed > 0 {
		m.log.Info("old backups removed", "count", removed)
	}
	return path, nil
}

func (m *Manager) create(ctx context.Context) (path string, err error) {
	if err := os.MkdirAll(m.cfg.Dir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	meta := Metadata{ID: uuid.NewString(), CreatedAt: m.now().UTC()}
	name := filePrefix + meta.CreatedAt.Format(stampLayout) + "-" + meta.ID[:8] + fileSuffix
	path = filepath.Join(m.cfg.Dir, name)
	partial := path + ".partial"

	aw, err := newArchiveWriters(partial, m.cfg.Level)
	if err != nil {
		return "", err
	}
	defer func() {
		closeErr := aw.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(partial)
			return
		}
		err = os.Rename(partial, path)
	}()

	for _, src := range m.cfg.Paths {
		if err := m.addTree(ctx, aw.tw, src, &meta); err != nil {
			return "", err
		}
	}
	if err := addMetadata(aw.tw, meta); err != nil {
		return "", err
	}
	m.log.Info("backup created", "path", path, "files", len(meta.Files))
	return path, nil
}

type archiveWriters struct {
	tw      *tar.Writer
	closers []io.Closer
}

func newArchiveWriters(path string, level int) (*archiveWriters, error) {
	// #nosec G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create backup file: %w", err)
	}
	gz, err := gzip.NewWriterLevel(f, level)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)
	return &archiveWriters{tw: tw, closers: []io.Closer{f, gz, tw}}, nil
}

// Close closes the writers in reverse order and returns the first error.
func (aw *archiveWriters) Close() error {
	var first error
	for i := len(aw.closers) - 1; i >= 0; i-- {
		if err := aw.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) addTree(ctx context.Context, tw *tar.Writer, src string, meta *Metadata) error {
	root := filepath.Clean(src)
	base := filepath.Base(root)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", p, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		dest := filepath.ToSlash(filepath.Join(base, rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = dest + "/"
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := addFile(tw, p, dest, info)
		if err != nil {
			return err
		}
		meta.Files = append(meta.Files, f)
		return nil
	})
}

func addFile(tw *tar.Writer, src, dest string, info fs.FileInfo) (File, error) {
	// #nosec G304
	in, err := os.Open(src)
	if err != nil {
		return File{}, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close() //nolint:errcheck

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return File{}, fmt.Errorf("tar header for %s: %w", src, err)
	}
	hdr.Name = dest
	if err := tw.WriteHeader(hdr); err != nil {
		return File{}, fmt.Errorf("write header for %s: %w", src, err)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, h), in); err != nil {
		return File{}, fmt.Errorf("copy %s: %w", src, err)
	}
	return File{
		Path:     dest,
		Original: src,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func addMetadata(tw *tar.Writer, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	hdr := &tar.Header{Name: metadataName, Mode: 0o640, Size: int64(len(data)), ModTime: meta.CreatedAt}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

// List returns archive paths, newest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileSuffix) {
			out = append(out, filepath.Join(m.cfg.Dir, n))
		}
	}
	// Names embed a sortable UTC timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

func (m *Manager) prune() (int, error) {
	if m.cfg.Keep <= 0 {
		return 0, nil
	}
	all, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for i := m.cfg.Keep; i < len(all); i++ {
		if err := os.Remove(all[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
