package main

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/atlas-ai/atlas-cache/internal/config"
	"github.com/atlas-ai/atlas-cache/internal/server"
	"github.com/atlas-ai/atlas-cache/internal/worker"
)

// useBufferWriters swaps stdOut/stdErr with in-memory buffers for the duration
// of a test, allowing assertions on CLI output without polluting test logs.
func useBufferWriters(t *testing.T) {
	t.Helper()

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}

	prevOut := stdOut
	prevErr := stdErr

	stdOut = outBuf
	stdErr = errBuf

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

// stdOutBuffer returns the in-use stdout buffer when useBufferWriters is active.
func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

// stdErrBuffer returns the in-use stderr buffer when useBufferWriters is active.
func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}

// stubListen replaces the HTTP server start-up with fn for the duration of a test.
func stubListen(t *testing.T, fn func(*config.Config, *server.TargetRegistry, *worker.Worker, *logrus.Logger) error) {
	t.Helper()
	prev := listenAndServe
	listenAndServe = fn
	t.Cleanup(func() {
		listenAndServe = prev
	})
}
