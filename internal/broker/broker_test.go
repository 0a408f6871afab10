package broker

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sqlguard/mcpsqlguard/internal/catalog"
	"github.com/sqlguard/mcpsqlguard/internal/connmgr"
	"github.com/sqlguard/mcpsqlguard/internal/rpc"
)

func TestResumeTokenStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewResumeTokenStore(dir, "/tmp/mcpsqlguard.sock")

	var tok [32]byte
	tok[0] = 0x11
	if err := store.Store(tok); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, ok := store.Load()
	if !ok {
		t.Fatalf("Load: expected ok=true")
	}
	if got != tok {
		t.Fatalf("Load = %x, want %x", got, tok)
	}

	if err := store.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.Load(); ok {
		t.Fatalf("Load: expected ok=false after Delete")
	}
}

func TestResumeTokenStoreSafeFailPermissiveDir(t *testing.T) {
	dir := t.TempDir()
	insecure := filepath.Join(dir, "mcpsqlguard")
	if err := os.Mkdir(insecure, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	store := &ResumeTokenStore{dir: insecure, path: filepath.Join(insecure, "x.resume")}

	var tok [32]byte
	tok[0] = 0x22
	if err := store.Store(tok); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := os.Stat(store.path); err == nil {
		t.Fatalf("Store wrote a file under a permissive directory")
	}
	if _, ok := store.Load(); ok {
		t.Fatalf("Load: expected ok=false under a permissive directory")
	}
	info, err := os.Stat(insecure)
	if err != nil || info.Mode().Perm() != 0755 {
		t.Fatalf("Store must not silently chmod a pre-existing directory")
	}
}

func TestResumeTokenStoreDeleteNoopPermissiveDir(t *testing.T) {
	dir := t.TempDir()
	insecure := filepath.Join(dir, "mcpsqlguard")
	if err := os.Mkdir(insecure, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	path := filepath.Join(insecure, "x.resume")
	if err := os.WriteFile(path, make([]byte, 32), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	store := &ResumeTokenStore{dir: insecure, path: path}

	if err := store.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Delete removed a file under a permissive directory")
	}
}

func TestResumeTokenStoreLoadRejectsTamperedFile(t *testing.T) {
	dir := t.TempDir()
	store := NewResumeTokenStore(dir, "/tmp/a.sock")
	var tok [32]byte
	if err := store.Store(tok); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := os.WriteFile(store.path, []byte("short"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, ok := store.Load(); ok {
		t.Fatalf("Load: expected ok=false for a truncated file")
	}
	if _, err := os.Stat(store.path); err == nil {
		t.Fatalf("Load did not delete the tampered file")
	}
}

func TestSessionTableIdleEviction(t *testing.T) {
	tbl := newSessionTable(2)
	a := &Session{ID: "a"}
	b := &Session{ID: "b"}
	c := &Session{ID: "c"}
	tbl.Activate(a)
	tbl.Activate(b)
	tbl.Activate(c)

	tbl.MarkIdle("a")
	tbl.MarkIdle("b")
	if tbl.IdleLen() != 2 {
		t.Fatalf("IdleLen = %d, want 2", tbl.IdleLen())
	}
	tbl.MarkIdle("c")
	if tbl.IdleLen() != 2 {
		t.Fatalf("IdleLen = %d, want 2 after eviction", tbl.IdleLen())
	}
	if _, ok := tbl.idle["a"]; ok {
		t.Fatalf("oldest idle session was not evicted")
	}
	if _, ok := tbl.idle["b"]; !ok {
		t.Fatalf("session b should still be idle")
	}
	if _, ok := tbl.idle["c"]; !ok {
		t.Fatalf("session c should be idle")
	}
}

func TestSessionTableResume(t *testing.T) {
	tbl := newSessionTable(4)
	s := &Session{ID: "x", ResumeToken: [32]byte{9, 9, 9}}
	tbl.Activate(s)
	tbl.MarkIdle("x")

	got, ok := tbl.Resume([32]byte{9, 9, 9})
	if !ok || got.ID != "x" {
		t.Fatalf("Resume failed to find idle session")
	}
	if tbl.ActiveLen() != 1 || tbl.IdleLen() != 0 {
		t.Fatalf("Resume did not move session back to active")
	}

	if _, ok := tbl.Resume([32]byte{1, 2, 3}); ok {
		t.Fatalf("Resume matched a nonexistent token")
	}
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load([]byte(`
connections:
  - name: c1
    kind: sqlite3
    db: ` + filepath.Join(t.TempDir(), "test.db") + `
`))
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}
	return cat
}

func dialHandshake(t *testing.T, conn net.Conn, secret [32]byte) *rpc.HandshakeResponse {
	t.Helper()
	var buf bytes.Buffer
	buf.Write([]byte{0x4D, 0x43, 0x50, 0x42})
	binary.Write(&buf, binary.BigEndian, rpc.HandshakeVersion)
	binary.Write(&buf, binary.BigEndian, uint16(0))
	buf.Write(make([]byte, 32)) // zeroed resume token
	buf.Write(secret[:])
	if _, err := conn.Write(buf.Bytes()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	respBuf := make([]byte, 4+2+4+32+4+4)
	if _, err := io.ReadFull(conn, respBuf); err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	status := binary.BigEndian.Uint32(respBuf[6:10])
	var resume [32]byte
	copy(resume[:], respBuf[10:42])
	return &rpc.HandshakeResponse{
		Version:     binary.BigEndian.Uint16(respBuf[4:6]),
		Status:      rpc.Status(status),
		ResumeToken: resume,
		IdleTTLSecs: binary.BigEndian.Uint32(respBuf[42:46]),
		AbsTTLSecs:  binary.BigEndian.Uint32(respBuf[46:50]),
	}
}

// TestBrokerHandshakeSelectAndStatus exercises the wire protocol end to
// end over a real TCP socket: handshake, select a connection via the
// "use" meta command, then call "status" — all without touching a live
// backend (ConnName empty until "use" succeeds, and "status" short-
// circuits when unset), the same no-backend-required shape
// testutil.StartDummyBackendSocket uses to test driver socket handling
// without a real database.
func TestBrokerHandshakeSelectAndStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	var secret [32]byte
	secret[0] = 0x77

	cat := testCatalog(t)
	mgr := connmgr.New(cat, time.Minute)
	b := New(Config{
		Catalog:         cat,
		ConnMgr:         mgr,
		Secret:          secret,
		MaxIdleSessions: 8,
		IdleTTLSecs:     30,
		AbsTTLSecs:      3600,
	}, ln)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	resp := dialHandshake(t, conn, secret)
	if resp.Status != rpc.StatusOK {
		t.Fatalf("handshake status = %v, want OK", resp.Status)
	}

	useReq := []byte(`{"jsonrpc":"2.0","id":1,"method":"use","params":{"raw":"c1"}}`)
	if err := rpc.WriteFrame(conn, useReq); err != nil {
		t.Fatalf("WriteFrame(use): %v", err)
	}
	payload, err := rpc.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame(use resp): %v", err)
	}
	if !bytes.Contains(payload, []byte(`"conn":"c1"`)) {
		t.Fatalf("use response = %s, want conn:c1", payload)
	}

	statusReq := []byte(`{"jsonrpc":"2.0","id":2,"method":"status"}`)
	if err := rpc.WriteFrame(conn, statusReq); err != nil {
		t.Fatalf("WriteFrame(status): %v", err)
	}
	payload, err = rpc.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame(status resp): %v", err)
	}
	if !bytes.Contains(payload, []byte(`"conn_name":"c1"`)) {
		t.Fatalf("status response = %s, want conn_name:c1", payload)
	}
}

func TestBrokerHandshakeBadSecret(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	var secret [32]byte
	secret[0] = 1
	cat := testCatalog(t)
	mgr := connmgr.New(cat, time.Minute)
	b := New(Config{Catalog: cat, ConnMgr: mgr, Secret: secret, MaxIdleSessions: 4}, ln)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var wrong [32]byte
	wrong[0] = 2
	resp := dialHandshake(t, conn, wrong)
	if resp.Status != rpc.StatusInternal {
		t.Fatalf("handshake status = %v, want Internal (bad secret)", resp.Status)
	}
}
