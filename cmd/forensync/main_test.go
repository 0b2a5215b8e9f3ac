// File: cmd/forensync/main_test.go
package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetMocks() {
	osWriteFile = os.WriteFile
	osExit = os.Exit
}

func TestRunInteractive(t *testing.T) {
	in := strings.NewReader("\nversion\nquit\nversion\n")
	var out bytes.Buffer

	require.NoError(t, runInteractive(context.Background(), in, &out))
	assert.Equal(t, 1, strings.Count(out.String(), "forensync version"), "lines after quit are not run")
	assert.Contains(t, out.String(), "Exiting forensync.")
}

func TestRunInteractive_EOF(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runInteractive(context.Background(), strings.NewReader(""), &out))
	assert.Contains(t, out.String(), "Exiting forensync.")
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()

	var written string
	var exitCode int
	osWriteFile = func(name string, data []byte, perm os.FileMode) error {
		assert.Equal(t, panicLogFile, name)
		written = string(data)
		return nil
	}
	osExit = func(code int) { exitCode = code }

	func() {
		defer handlePanic()
		panic("boom")
	}()

	assert.Equal(t, 2, exitCode)
	assert.Contains(t, written, "panic: boom")
	assert.Contains(t, written, "goroutine")
}

func TestHandlePanic_WriteFails(t *testing.T) {
	defer resetMocks()

	var exitCode int
	osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only") }
	osExit = func(code int) { exitCode = code }

	func() {
		defer handlePanic()
		panic("boom")
	}()
	assert.Equal(t, 2, exitCode)
}
