package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := NewLayout(filepath.Join(t.TempDir(), "jobs"))
	require.NoError(t, err)
	return l
}

func TestLayout_EnsureJobDir_Idempotent(t *testing.T) {
	l := newTestLayout(t)
	id := models.NewULID()

	dir, err := l.EnsureJobDir(id)
	require.NoError(t, err)
	assert.Equal(t, l.JobDir(id), dir)
	assert.DirExists(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep"), []byte("x"), 0o600))
	again, err := l.EnsureJobDir(id)
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	assert.FileExists(t, filepath.Join(dir, "keep"))

	_, err = l.EnsureJobDir(models.ULID{})
	assert.Error(t, err)
}

func TestLayout_RemoveJobDir(t *testing.T) {
	l := newTestLayout(t)
	id := models.NewULID()

	dir, err := l.EnsureJobDir(id)
	require.NoError(t, err)
	require.NoError(t, l.RemoveJobDir(id))
	assert.NoDirExists(t, dir)

	// Already gone is fine.
	require.NoError(t, l.RemoveJobDir(id))
	assert.DirExists(t, l.Root())
}

func TestLayout_ResolveJobFile(t *testing.T) {
	l := newTestLayout(t)
	id := models.NewULID()

	tests := []struct {
		name    string
		file    string
		wantErr bool
	}{
		{"playlist", PlaylistName, false},
		{"segment", "segment_00000.ts", false},
		{"empty", "", true},
		{"parent", "../other/playlist.m3u8", true},
		{"nested", "sub/segment.ts", true},
		{"root escape", "../../etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := l.ResolveJobFile(id, tt.file)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(l.JobDir(id), tt.file), path)
		})
	}
}

func TestLayout_DirSize(t *testing.T) {
	l := newTestLayout(t)
	id := models.NewULID()
	dir, err := l.EnsureJobDir(id)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PlaylistName), make([]byte, 100), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_00000.ts"), make([]byte, 188*3), 0o600))

	size, err := l.DirSize(id)
	require.NoError(t, err)
	assert.Equal(t, int64(100+188*3), size)

	_, err = l.DirSize(models.NewULID())
	assert.Error(t, err)
}

func TestLayout_ListJobDirs(t *testing.T) {
	l := newTestLayout(t)
	a, b := models.NewULID(), models.NewULID()
	for _, id := range []models.ULID{a, b} {
		_, err := l.EnsureJobDir(id)
		require.NoError(t, err)
	}
	require.NoError(t, os.Mkdir(filepath.Join(l.Root(), "not-a-ulid"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(l.Root(), models.NewULID().String()), nil, 0o600))

	ids, err := l.ListJobDirs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.ULID{a, b}, ids)
}

func TestLayout_CompressedRoundTrip(t *testing.T) {
	l := newTestLayout(t)
	id := models.NewULID()
	_, err := l.EnsureJobDir(id)
	require.NoError(t, err)

	payload := []byte(`{"title":"Example","duration":93.4}`)
	require.NoError(t, l.WriteCompressed(id, InfoDumpName, payload))

	raw, err := os.ReadFile(filepath.Join(l.JobDir(id), InfoDumpName))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}, raw[:6], "xz magic")

	got, err := l.ReadCompressed(id, InfoDumpName)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
