package admin

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "admin.db"), dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewAccountAndAuthenticate(t *testing.T) {
	m := newTestManager(t)

	res, err := m.NewAccount("ops", "secret1")
	require.NoError(t, err)
	assert.Equal(t, SuccessAdmin, res)

	require.NoError(t, m.Authenticate("ops", "secret1"))
	assert.ErrorIs(t, m.Authenticate("ops", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, m.Authenticate("nobody", "secret1"), ErrInvalidCredentials)
}

func TestNewAccountValidation(t *testing.T) {
	m := newTestManager(t)

	_, err := m.NewAccount("bad name!", "secret1")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = m.NewAccount("ops", "abc")
	assert.Error(t, err)

	_, err = m.NewAccount("ops", "secret1")
	require.NoError(t, err)
	_, err = m.NewAccount("ops", "secret1")
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestChangePassword(t *testing.T) {
	m := newTestManager(t)
	_, err := m.NewAccount("ops", "first1")
	require.NoError(t, err)

	res, err := m.ChangePassword("ops", "second2")
	require.NoError(t, err)
	assert.Equal(t, SuccessAdmin, res)

	require.NoError(t, m.Authenticate("ops", "second2"))
	assert.Error(t, m.Authenticate("ops", "first1"))

	_, err = m.ChangePassword("ghost", "pass1")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestDropAccountKeepsLastOne(t *testing.T) {
	m := newTestManager(t)
	_, err := m.NewAccount("a", "pass1")
	require.NoError(t, err)

	_, err = m.DropAccount("a")
	assert.ErrorIs(t, err, ErrLastAccount)

	_, err = m.NewAccount("b", "pass1")
	require.NoError(t, err)
	res, err := m.DropAccount("a")
	require.NoError(t, err)
	assert.Equal(t, SuccessAdmin, res)

	names, err := m.ListAccounts()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}

func TestNewDatabase(t *testing.T) {
	m := newTestManager(t)

	res, err := m.NewDatabase("metrics", "ms", 604800000)
	require.NoError(t, err)
	assert.Equal(t, SuccessAdmin, res)

	_, err = m.NewDatabase("metrics", "ms", 604800000)
	assert.ErrorIs(t, err, ErrDatabaseExists)

	_, err = m.NewDatabase("bad/name", "ms", 1)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = m.NewDatabase("other", "weeks", 1)
	assert.Error(t, err)

	_, err = m.NewDatabase("other", "s", 0)
	assert.Error(t, err)

	infos, err := m.ListDatabases()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "metrics", infos[0].Name)
	assert.Equal(t, "ms", infos[0].Precision)
}
