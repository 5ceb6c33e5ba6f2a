package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()

	c, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Nil(t, c)
	assert.NoError(t, err)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "token.json")
	saved := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, Save(path, Credentials{
		Server:  "https://hq.example.org",
		Actor:   "medic-7",
		Token:   &oauth2.Token{AccessToken: "abc", TokenType: "Bearer"},
		SavedAt: saved,
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	c, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "abc", c.Token.AccessToken)
	assert.Equal(t, "medic-7", c.Actor)
	assert.True(t, c.SavedAt.Equal(saved))
}

func TestSave_RejectsEmptyToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")

	assert.Error(t, Save(path, Credentials{Server: "https://hq"}))
	assert.Error(t, Save(path, Credentials{Server: "https://hq", Token: &oauth2.Token{}}))

	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "token.json")

	for _, tok := range []string{"one", "two"} {
		require.NoError(t, Save(path, Credentials{Server: "https://hq", Token: &oauth2.Token{AccessToken: tok}}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "two", c.Token.AccessToken)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{not json}`), FilePerms))

	_, err := Load(bad)
	assert.ErrorContains(t, err, "decoding")

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"server":"https://hq"}`), FilePerms))

	_, err = Load(empty)
	assert.ErrorContains(t, err, "has no token")
}

func TestTokenSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")

	ts, err := TokenSource(path, "https://hq.example.org")
	require.NoError(t, err)
	assert.Nil(t, ts)

	require.NoError(t, Save(path, Credentials{
		Server: "https://HQ.example.org/",
		Token:  &oauth2.Token{AccessToken: "abc"},
	}))

	ts, err = TokenSource(path, "https://hq.example.org")
	require.NoError(t, err)
	require.NotNil(t, ts)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)

	_, err = TokenSource(path, "https://other.example.org")
	assert.ErrorIs(t, err, ErrServerMismatch)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")

	existed, err := Remove(path)
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, Save(path, Credentials{Server: "https://hq", Token: &oauth2.Token{AccessToken: "x"}}))

	existed, err = Remove(path)
	require.NoError(t, err)
	assert.True(t, existed)
}
