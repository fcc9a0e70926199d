package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStoreIn(t *testing.T, dir string) *FileStore {
	t.Helper()
	st, err := NewFileStore(filepath.Join(dir, "data", "users.json"), filepath.Join(dir, "data", "banned_users.txt"))
	require.NoError(t, err)
	return st
}

func TestFileStoreCreatesMissingUsersFile(t *testing.T) {
	dir := t.TempDir()
	st := newFileStoreIn(t, dir)

	ok, err := st.Authenticate("alice", "secret1")
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := os.ReadFile(filepath.Join(dir, "data", "users.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	first := newFileStoreIn(t, dir)
	require.NoError(t, first.CreateUser("alice", "secret1"))
	require.NoError(t, first.SaveBans([]string{"mallory"}))

	second := newFileStoreIn(t, dir)
	ok, err := second.Authenticate("alice", "secret1")
	require.NoError(t, err)
	assert.True(t, ok)

	bans, err := second.LoadBans()
	require.NoError(t, err)
	assert.Equal(t, []string{"mallory"}, bans)
}

func TestFileStoreUsersFileFormat(t *testing.T) {
	dir := t.TempDir()
	st := newFileStoreIn(t, dir)
	require.NoError(t, st.CreateUser("alice", "secret1"))
	require.NoError(t, st.CreateUser("bob", "hunter22"))

	data, err := os.ReadFile(st.usersPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"alice":"secret1","bob":"hunter22"}`, string(data))
}

func TestFileStoreBanFileFormat(t *testing.T) {
	dir := t.TempDir()
	st := newFileStoreIn(t, dir)
	require.NoError(t, st.SaveBans([]string{"zed", "amy"}))

	data, err := os.ReadFile(st.bansPath)
	require.NoError(t, err)
	assert.Equal(t, "amy\nzed\n", string(data))
}

func TestFileStoreBanFileToleratesBlankLines(t *testing.T) {
	dir := t.TempDir()
	st := newFileStoreIn(t, dir)
	require.NoError(t, os.WriteFile(st.bansPath, []byte("\n  eve \n\nmallory\neve\n"), 0o600))

	bans, err := st.LoadBans()
	require.NoError(t, err)
	assert.Equal(t, []string{"eve", "mallory"}, bans)
}

func TestFileStoreCorruptUsersFile(t *testing.T) {
	dir := t.TempDir()
	st := newFileStoreIn(t, dir)
	require.NoError(t, os.WriteFile(st.usersPath, []byte("{not json"), 0o600))

	ok, err := st.Authenticate("alice", "secret1")
	require.ErrorIs(t, err, errCorruptUsers)
	assert.False(t, ok, "corrupt file must authenticate nobody")

	_, err = st.ListUsers()
	require.ErrorIs(t, err, errCorruptUsers)

	// The corrupt file is left in place for an operator to repair.
	assert.Error(t, st.CreateUser("alice", "secret1"))
	data, err := os.ReadFile(st.usersPath)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
