package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/ulikunitz/xz"
)

// Well-known file names inside a job directory.
const (
	PlaylistName    = "playlist.m3u8"
	SegmentPattern  = "segment_%05d.ts"
	SourcePrefix    = "video."
	InfoDumpName    = "info.json.xz"
	compressedLimit = 64 << 20
)

// Layout maps job IDs to working directories under a single root:
// <root>/<job id>/.
type Layout struct {
	sandbox *Sandbox
}

// NewLayout creates the root directory if needed and returns a Layout over it.
func NewLayout(root string) (*Layout, error) {
	sb, err := NewSandbox(root)
	if err != nil {
		return nil, err
	}
	return &Layout{sandbox: sb}, nil
}

// Root returns the absolute jobs root.
func (l *Layout) Root() string {
	return l.sandbox.BaseDir()
}

// JobDir returns the absolute working directory for id without creating it.
func (l *Layout) JobDir(id models.ULID) string {
	return filepath.Join(l.sandbox.BaseDir(), id.String())
}

// PlaylistPath returns where the transcoder writes the HLS playlist for id.
func (l *Layout) PlaylistPath(id models.ULID) string {
	return filepath.Join(l.JobDir(id), PlaylistName)
}

// EnsureJobDir creates the working directory for id. It is idempotent.
func (l *Layout) EnsureJobDir(id models.ULID) (string, error) {
	if id.IsZero() {
		return "", fmt.Errorf("ensuring job dir: empty job id")
	}
	return l.sandbox.MkdirAll(id.String())
}

// RemoveJobDir deletes the working directory for id and everything in it.
// A missing directory is not an error.
func (l *Layout) RemoveJobDir(id models.ULID) error {
	if id.IsZero() {
		return fmt.Errorf("removing job dir: empty job id")
	}
	return l.sandbox.RemoveAll(id.String())
}

// ResolveJobFile resolves name inside the working directory of id.
// Names that would leave the directory are rejected with ErrPathEscape.
func (l *Layout) ResolveJobFile(id models.ULID, name string) (string, error) {
	dir := l.JobDir(id)
	path, err := l.sandbox.ResolvePath(filepath.Join(id.String(), name))
	if err != nil {
		return "", err
	}
	if filepath.Dir(path) != dir {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
	}
	return path, nil
}

// DirSize returns the total size of regular files in the working directory of id.
func (l *Layout) DirSize(id models.ULID) (int64, error) {
	var total int64
	err := filepath.WalkDir(l.JobDir(id), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing job dir %s: %w", id, err)
	}
	return total, nil
}

// ListJobDirs returns the IDs of all job directories under the root.
// Entries whose name is not a ULID are ignored.
func (l *Layout) ListJobDirs() ([]models.ULID, error) {
	entries, err := l.sandbox.List(".")
	if err != nil {
		return nil, err
	}

	ids := make([]models.ULID, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := models.ParseULID(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WriteCompressed stores data xz-compressed as name in the working directory of id.
func (l *Layout) WriteCompressed(id models.ULID, name string, data []byte) error {
	pr, pw := io.Pipe()
	go func() {
		zw, err := xz.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := zw.Write(data); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()

	err := l.sandbox.AtomicWriteReader(filepath.Join(id.String(), name), pr)
	pr.Close()
	if err != nil {
		return fmt.Errorf("writing compressed %s: %w", name, err)
	}
	return nil
}

// ReadCompressed reads back a file written by WriteCompressed.
func (l *Layout) ReadCompressed(id models.ULID, name string) ([]byte, error) {
	path, err := l.ResolveJobFile(id, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	zr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading xz header of %s: %w", name, err)
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(zr, compressedLimit+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", name, err)
	}
	if n > compressedLimit {
		return nil, errors.New("decompressed data exceeds limit")
	}
	return buf.Bytes(), nil
}
