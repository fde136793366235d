package teardown

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhub/camdeploy/internal/report"
	"github.com/camhub/camdeploy/internal/runtimecfg"
)

type fakeRemover struct{ removed bool }

func (f *fakeRemover) Remove(context.Context) error {
	f.removed = true
	return nil
}

type fakeDeleter struct{ deleted bool }

func (f *fakeDeleter) Delete() error {
	f.deleted = true
	return nil
}

type fixture struct {
	root  string
	units *fakeRemover
	idn   *fakeRemover
	creds *fakeDeleter
	td    *Teardown
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "run.py"), []byte("# svc"), 0o644))
	require.NoError(t, runtimecfg.Save(root, runtimecfg.Default()))

	f := &fixture{
		root:  root,
		units: &fakeRemover{},
		idn:   &fakeRemover{},
		creds: &fakeDeleter{},
	}
	f.td = &Teardown{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		rep:       report.New(io.Discard),
		root:      root,
		idn:       f.idn,
		units:     f.units,
		creds:     f.creds,
		removeAll: os.RemoveAll,
	}
	return f
}

func TestRunRemovesEverythingWhenPreservationDeclined(t *testing.T) {
	f := newFixture(t)

	res, err := f.td.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Empty(t, res.BackupPath)
	assert.NoDirExists(t, f.root)
	assert.True(t, f.units.removed)
	assert.True(t, f.idn.removed)
	assert.True(t, f.creds.deleted)
}

func TestRunPreservesConfig(t *testing.T) {
	f := newFixture(t)
	backupParent := t.TempDir()

	res, err := f.td.Run(context.Background(), Options{
		PreserveConfig: true,
		BackupParent:   backupParent,
	})
	require.NoError(t, err)

	require.NotEmpty(t, res.BackupPath)
	assert.True(t, strings.HasPrefix(filepath.Base(res.BackupPath), "backup_"))
	assert.FileExists(t, filepath.Join(res.BackupPath, runtimecfg.FileName))
	// The root is still gone; only the backup survives.
	assert.NoDirExists(t, f.root)
	// Preserved config keeps the credential cache too.
	assert.False(t, f.creds.deleted)
}

func TestRunKeepIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.td.Run(context.Background(), Options{KeepIdentity: true})
	require.NoError(t, err)
	assert.False(t, f.idn.removed)
}

func TestRunToleratesBareHost(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.root))

	_, err := f.td.Run(context.Background(), Options{PreserveConfig: true, BackupParent: t.TempDir()})
	require.NoError(t, err)
}
