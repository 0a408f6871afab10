//go:build !windows

package testutil

import (
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// DummyBackendSocket is a Unix socket standing in for a database backend
// in connection-manager tests. Every accepted connection is answered
// with a banner no database protocol recognizes, so a real driver fails
// with a protocol error rather than "connection refused" — proof that it
// dialed the socket, without needing a live database.
type DummyBackendSocket struct {
	Dir      string // directory containing the socket
	Path     string // full path to the socket file
	listener net.Listener
	tmpDir   string
	accepts  atomic.Int64
	closed   atomic.Bool
}

// StartDummyBackendSocket creates the socket under a fresh temp dir.
// socketName follows the backend's own convention: ".s.PGSQL.<port>" for
// PostgreSQL, "mysql.sock" for MySQL. The caller must Close it.
func StartDummyBackendSocket(t *testing.T, dirPrefix, socketName string) *DummyBackendSocket {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", dirPrefix)
	if err != nil {
		t.Fatal(err)
	}

	socketPath := filepath.Join(tmpDir, socketName)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatal(err)
	}

	sock := &DummyBackendSocket{
		Dir:      tmpDir,
		Path:     socketPath,
		listener: listener,
		tmpDir:   tmpDir,
	}

	go sock.acceptLoop()

	return sock
}

func (s *DummyBackendSocket) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepts.Add(1)
		conn.Write([]byte("not a database\n"))
		conn.Close()
	}
}

// Accepts reports how many connections the socket has answered so far.
func (s *DummyBackendSocket) Accepts() int {
	return int(s.accepts.Load())
}

// Close shuts down the socket and cleans up temporary files.
func (s *DummyBackendSocket) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.listener.Close()
	os.RemoveAll(s.tmpDir)
}
