package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDir(t *testing.T) *Dir {
	t.Helper()
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)
	return d
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("-- test\n"), 0644))
}

func TestDirPath_UsesCanonicalPrefix(t *testing.T) {
	d := newTestDir(t)
	assert.Equal(t, filepath.Join(d.Root(), "full-sync-abc.sql"), d.Path("abc"))
}

func TestUpsertPath(t *testing.T) {
	assert.Equal(t, "/tmp/full-sync-abc-upsert.sql", UpsertPath("/tmp/full-sync-abc.sql"))
}

func TestFind_CanonicalName(t *testing.T) {
	d := newTestDir(t)
	touch(t, d.Path("abc"))

	path, err := d.Find("abc")
	require.NoError(t, err)
	assert.Equal(t, d.Path("abc"), path)
}

func TestFind_LegacyPrefixes(t *testing.T) {
	d := newTestDir(t)
	touch(t, filepath.Join(d.Root(), "initial-load-abc.sql"))

	path, err := d.Find("abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(d.Root(), "initial-load-abc.sql"), path)
}

func TestFind_Missing(t *testing.T) {
	d := newTestDir(t)

	_, err := d.Find("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFindScript_PrefersUpsertSibling(t *testing.T) {
	d := newTestDir(t)
	touch(t, d.Path("abc"))
	touch(t, UpsertPath(d.Path("abc")))

	path, err := d.FindScript("abc")
	require.NoError(t, err)
	assert.Equal(t, UpsertPath(d.Path("abc")), path)
}

func TestFindScript_UpsertWithoutSourceDump(t *testing.T) {
	d := newTestDir(t)
	touch(t, UpsertPath(d.Path("abc")))

	path, err := d.FindScript("abc")
	require.NoError(t, err)
	assert.Equal(t, UpsertPath(d.Path("abc")), path)
}

func TestFindScript_RawDumpOnly(t *testing.T) {
	d := newTestDir(t)
	touch(t, d.Path("abc"))

	path, err := d.FindScript("abc")
	require.NoError(t, err)
	assert.Equal(t, d.Path("abc"), path)
}

func TestRemove_DeletesDumpAndSibling(t *testing.T) {
	d := newTestDir(t)
	touch(t, d.Path("abc"))
	touch(t, UpsertPath(d.Path("abc")))
	touch(t, filepath.Join(d.Root(), "backup-abc.sql"))

	d.Remove("abc")

	for _, path := range []string{
		d.Path("abc"),
		UpsertPath(d.Path("abc")),
		filepath.Join(d.Root(), "backup-abc.sql"),
	} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "expected %s to be deleted", path)
	}
}

func TestRemove_MissingFilesAreIgnored(t *testing.T) {
	d := newTestDir(t)
	d.Remove("never-existed")
}

func TestDigest_MatchesDigestBytes(t *testing.T) {
	d := newTestDir(t)
	path := d.Path("abc")
	content := []byte("INSERT INTO orders (id) VALUES (1);\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	fromFile, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, DigestBytes(content), fromFile)
	assert.Len(t, fromFile, 16)
}
