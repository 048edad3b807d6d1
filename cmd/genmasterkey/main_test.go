package main

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/keybar/internal/files"
)

func TestRunWritesKey(t *testing.T) {
	t.Setenv(files.MasterKeyEnv, "")
	path := filepath.Join(t.TempDir(), "master.key")
	buf := &bytes.Buffer{}
	orig := stdout
	stdout = buf
	defer func() { stdout = orig }()

	require.NoError(t, run(path, false))
	require.Contains(t, buf.String(), path)

	first, err := files.ReadMasterKey(path)
	require.NoError(t, err)
	require.Len(t, first, files.MasterKeySize)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	err = run(path, false)
	require.True(t, errors.Is(err, files.ErrMasterKeyExists))

	require.NoError(t, run(path, true))
	second, err := files.ReadMasterKey(path)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestRunChecksWrittenFileNotEnv(t *testing.T) {
	t.Setenv(files.MasterKeyEnv, "not-hex")
	path := filepath.Join(t.TempDir(), "master.key")
	orig := stdout
	stdout = io.Discard
	defer func() { stdout = orig }()

	require.NoError(t, run(path, false))
	key, err := files.ReadMasterKeyFile(path)
	require.NoError(t, err)
	require.Len(t, key, files.MasterKeySize)
}

func TestMainExitsWhenKeyExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, files.WriteMasterKey(path, false))

	origExit, origArgs, origCmd, origOut := osExit, os.Args, flag.CommandLine, stdout
	defer func() {
		osExit, os.Args, flag.CommandLine, stdout = origExit, origArgs, origCmd, origOut
	}()
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flag.CommandLine.SetOutput(io.Discard)
	os.Args = []string{"genmasterkey", "-out", path}
	stdout = io.Discard

	code := 0
	osExit = func(c int) { code = c }
	main()
	require.Equal(t, 1, code)
}
