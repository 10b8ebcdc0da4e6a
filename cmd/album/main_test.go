package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
)

func init() {
	color.NoColor = true
}

// run executes one album invocation against vaultDir.
func run(t *testing.T, vaultDir, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(append([]string{"--vault-dir", vaultDir}, args...))
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

var idPattern = regexp.MustCompile(`hidden as ([0-9a-f-]{36})`)

func TestCLIWorkflow(t *testing.T) {
	t.Setenv("ALBUM_BACKOFF_BASE", "1ms")
	dir := filepath.Join(t.TempDir(), "vault")
	const pw = "correct horse battery\n"

	_, err := run(t, dir, "", "list", "--names")
	require.NoError(t, err)

	_, err = run(t, dir, "correct horse battery\nsomething else\n", "init")
	assert.EqualError(t, err, "passwords do not match")

	out, err := run(t, dir, pw+pw, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "vault created")

	_, err = run(t, dir, pw+pw, "init")
	var uerr userError
	assert.True(t, errors.As(err, &uerr))

	src := filepath.Join(t.TempDir(), "beach.jpg")
	data := bytes.Repeat([]byte("sand"), 3000)
	require.NoError(t, os.WriteFile(src, data, 0o600))

	out, err = run(t, dir, pw, "hide", src)
	require.NoError(t, err)
	m := idPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]

	out, err = run(t, dir, pw, "list", "--names")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "beach.jpg")
	assert.Contains(t, out, "photo")

	viewed := filepath.Join(t.TempDir(), "viewed.jpg")
	_, err = run(t, dir, pw, "view", id, "--out", viewed)
	require.NoError(t, err)
	got, err := os.ReadFile(viewed)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	out, err = run(t, dir, "", "inspect", id)
	require.NoError(t, err)
	assert.Contains(t, out, "container framing is complete")

	_, err = run(t, dir, "wrong password\n", "view", id)
	assert.ErrorIs(t, err, vaulterr.ErrInvalidPassword)

	out, err = run(t, dir, pw, "recover", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no interrupted password change")

	out, err = run(t, dir, pw, "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, id+" erased")

	out, err = run(t, dir, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "vault is empty")
}

func TestHandleError(t *testing.T) {
	var buf bytes.Buffer

	assert.Equal(t, 0, handleError(&buf, nil))
	assert.Equal(t, 1, handleError(&buf, userError{msg: "nope"}))
	assert.Contains(t, buf.String(), "nope")

	buf.Reset()
	assert.Equal(t, 1, handleError(&buf, vaulterr.ErrInvalidPassword))
	assert.Contains(t, buf.String(), "incorrect password")

	buf.Reset()
	assert.Equal(t, 1, handleError(&buf, vaulterr.PasswordTooShort(8)))

	assert.Equal(t, 130, handleError(&buf, context.Canceled))
	assert.Equal(t, 2, handleError(&buf, errors.New("boom")))
}

func TestPrompterReadsPipedLines(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("first\r\nsecond"), &out)

	got, err := p.password("A: ")
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = p.password("B: ")
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	_, err = p.password("C: ")
	assert.Error(t, err)
	assert.Equal(t, "A: B: C: ", out.String())
}
