package probe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhub/camdeploy/internal/prompt"
	"github.com/camhub/camdeploy/internal/report"
)

func writeOSRelease(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestProber(t *testing.T, src prompt.Source) *Prober {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(logger, report.New(io.Discard), src)
	p.euid = func() int { return 0 }
	return p
}

func TestReadOSRelease(t *testing.T) {
	path := writeOSRelease(t, "PRETTY_NAME=\"Raspbian GNU/Linux\"\nID=raspbian\nID_LIKE=debian\n")
	id, like, err := readOSRelease(path)
	require.NoError(t, err)
	assert.Equal(t, "raspbian", id)
	assert.Equal(t, "debian", like)
}

func TestFamilySupported(t *testing.T) {
	assert.True(t, familySupported("debian", ""))
	assert.True(t, familySupported("raspbian", "debian"))
	assert.True(t, familySupported("linuxmint", "ubuntu debian"))
	assert.False(t, familySupported("fedora", ""))
	assert.False(t, familySupported("", ""))
}

func TestRunHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProber(t, &prompt.Policy{})
	p.osReleasePath = writeOSRelease(t, "ID=debian\n")

	require.NoError(t, p.Run(context.Background(), srv.URL))
}

func TestRunRefusesWithoutRoot(t *testing.T) {
	p := newTestProber(t, &prompt.Policy{})
	p.euid = func() int { return 1000 }

	err := p.Run(context.Background(), "http://unused.invalid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sudo")
}

func TestRunUnsupportedOSDeclined(t *testing.T) {
	p := newTestProber(t, &prompt.Policy{}) // defaults answer: no
	p.osReleasePath = writeOSRelease(t, "ID=fedora\n")

	err := p.Run(context.Background(), "http://unused.invalid")
	assert.ErrorIs(t, err, ErrAborted)
}

func TestRunUnsupportedOSConfirmed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := newTestProber(t, &prompt.Policy{Yes: true})
	p.osReleasePath = writeOSRelease(t, "ID=fedora\n")

	require.NoError(t, p.Run(context.Background(), srv.URL))
}

func TestRunNetworkUnreachable(t *testing.T) {
	p := newTestProber(t, &prompt.Policy{})
	p.osReleasePath = writeOSRelease(t, "ID=debian\n")

	err := p.Run(context.Background(), "http://127.0.0.1:1/nothing-listens-here")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network unreachable")
}
