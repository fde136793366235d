package sysexec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitWriterCaps(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitWriter{buf: &buf, limit: 10}

	n, err := lw.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	// Reports full length so the producing process never blocks.
	assert.Equal(t, 16, n)
	assert.Equal(t, "0123456789", buf.String())
	assert.Greater(t, lw.n, lw.limit)
}

func TestLimitWriterUnderLimit(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitWriter{buf: &buf, limit: 10}

	_, err := lw.Write([]byte("short"))
	require.NoError(t, err)
	assert.Equal(t, "short", buf.String())
	assert.Equal(t, 5, lw.n)
}

func TestFormatError(t *testing.T) {
	err := errors.New("exit status 1")

	assert.Equal(t, "exit status 1", FormatError(err, nil))
	assert.Equal(t, "exit status 1", FormatError(err, &Result{}))

	got := FormatError(err, &Result{Stderr: "useradd: group missing\n"})
	assert.Equal(t, "exit status 1: useradd: group missing", got)
}

func TestFormatErrorTrimsStderr(t *testing.T) {
	err := errors.New("exit status 2")
	got := FormatError(err, &Result{Stderr: "  padded  \n\n"})
	assert.False(t, strings.HasSuffix(got, "\n"))
	assert.Contains(t, got, "padded")
}
