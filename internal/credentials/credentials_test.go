package credentials

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	idPath := filepath.Join(dir, "machine-id")
	require.NoError(t, os.WriteFile(idPath, []byte("d3adb33f-test-machine\n"), 0o644))

	s := NewStore(filepath.Join(dir, "cache"))
	s.machineIDPaths = []string{idPath}
	return s
}

func testCreds() *Credentials {
	return &Credentials{
		DeviceKey:   "CAM42X9",
		TokenCode:   "T0K3N",
		Authority:   "https://devices.camhub.io",
		ActivatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.False(t, s.Exists())

	require.NoError(t, s.Save(testCreds()))
	require.True(t, s.Exists())

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, testCreds(), loaded)
}

func TestCiphertextIsOpaque(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testCreds()))

	raw, err := os.ReadFile(filepath.Join(s.DataDir(), credentialsFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "T0K3N")
	assert.NotContains(t, string(raw), "CAM42X9")
}

func TestLoadFailsOnForeignMachine(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testCreds()))

	// Same files, different machine ID: the derived key must not decrypt.
	otherID := filepath.Join(t.TempDir(), "machine-id")
	require.NoError(t, os.WriteFile(otherID, []byte("another-host"), 0o644))
	s.machineIDPaths = []string{otherID}

	_, err := s.Load()
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testCreds()))
	require.NoError(t, s.Delete())
	assert.False(t, s.Exists())

	_, err := s.Load()
	require.Error(t, err)
}

func TestSaltIsStableAcrossSaves(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testCreds()))
	salt1, err := os.ReadFile(filepath.Join(s.DataDir(), saltFile))
	require.NoError(t, err)

	require.NoError(t, s.Save(testCreds()))
	salt2, err := os.ReadFile(filepath.Join(s.DataDir(), saltFile))
	require.NoError(t, err)
	assert.Equal(t, salt1, salt2)
}
