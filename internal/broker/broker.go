// Package broker implements the session broker: it accepts connections
// over a local stream endpoint, performs the framed handshake with
// resume-token persistence, and multiplexes sessions each running the
// exec/status/meta pipeline against internal/connmgr.
//
// Sessions run one goroutine each; every mutation of the shared session
// table is serialized by a single mutex, so no session's request ever
// observably interleaves with another's mutation of shared state.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sqlguard/mcpsqlguard/internal/catalog"
	"github.com/sqlguard/mcpsqlguard/internal/connmgr"
	"github.com/sqlguard/mcpsqlguard/internal/errs"
	"github.com/sqlguard/mcpsqlguard/internal/ir"
	"github.com/sqlguard/mcpsqlguard/internal/lower"
	"github.com/sqlguard/mcpsqlguard/internal/lower/pgbackend"
	"github.com/sqlguard/mcpsqlguard/internal/result"
	"github.com/sqlguard/mcpsqlguard/internal/rpc"
	"github.com/sqlguard/mcpsqlguard/internal/touch"
	"github.com/sqlguard/mcpsqlguard/internal/validator"
)

// Config configures a Broker.
type Config struct {
	Catalog         *catalog.Catalog
	ConnMgr         *connmgr.Manager
	Secret          [32]byte
	MaxIdleSessions int
	// MaxActiveSessions caps concurrent active sessions; 0 means
	// unbounded.
	MaxActiveSessions int
	IdleTTLSecs       uint32
	AbsTTLSecs        uint32
}

// Broker owns the listen socket and every session connected to it.
type Broker struct {
	cfg     Config
	ln      net.Listener
	lowerer lower.Lowerer

	mu       sync.Mutex
	sessions *sessionTable
}

// New creates a Broker serving connections accepted on ln.
func New(cfg Config, ln net.Listener) *Broker {
	return &Broker{
		cfg:      cfg,
		ln:       ln,
		lowerer:  pgbackend.New(),
		sessions: newSessionTable(cfg.MaxIdleSessions),
	}
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, running each session on its own goroutine (see package doc).
func (b *Broker) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.ln.Close()
	}()

	for {
		conn, err := b.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Wrap(errs.BackendError, err, "broker: accept")
			}
		}
		go b.handleConn(conn)
	}
}

// Close closes the listener and every backend connection the broker's
// connection manager opened.
func (b *Broker) Close() error {
	err := b.ln.Close()
	b.cfg.ConnMgr.Close()
	return err
}

func (b *Broker) handleConn(conn net.Conn) {
	defer conn.Close()

	sess, status := b.handshake(conn)
	if status != rpc.StatusOK {
		// A handshake error is logged and the session dropped; it never
		// propagates to other sessions.
		slog.Default().Warn("broker: handshake failed", "status", status.String())
		return
	}
	fatal := false
	defer func() {
		// A plain disconnect parks the session idle for resume; a
		// protocol violation removes it outright.
		if fatal {
			b.removeSession(sess)
		} else {
			b.endSession(sess)
		}
	}()

	log := slog.Default().With("session_id", sess.ID)
	log.Debug("broker: session established")

	for {
		payload, err := rpc.ReadFrame(conn)
		if err != nil {
			if errs.Of(err) == errs.BadInput {
				fatal = true
			}
			log.Debug("broker: session closed", "err", err)
			return
		}
		sess.LastActive = time.Now()

		req, err := rpc.DecodeRequest(payload)
		if err != nil {
			b.writeError(conn, nil, err)
			continue
		}

		resp := b.dispatch(sess, req)
		if resp != nil {
			if err := rpc.WriteFrame(conn, resp); err != nil {
				log.Debug("broker: write failed, dropping session", "err", err)
				return
			}
		}
	}
}

// handshake reads and validates the fixed-size handshake request, then
// resolves it to a (possibly new) Session, writing the corresponding
// response. Per-session requests are strictly FIFO; the
// handshake itself runs before any concurrent frame traffic for this
// connection exists.
func (b *Broker) handshake(conn net.Conn) (*Session, rpc.Status) {
	req, err := rpc.ReadHandshakeRequest(conn)
	if err != nil {
		rpc.WriteHandshakeResponse(conn, &rpc.HandshakeResponse{Version: rpc.HandshakeVersion, Status: rpc.StatusBadMagic})
		return nil, rpc.StatusBadMagic
	}
	if req.Version != rpc.HandshakeVersion {
		rpc.WriteHandshakeResponse(conn, &rpc.HandshakeResponse{Version: rpc.HandshakeVersion, Status: rpc.StatusBadVersion})
		return nil, rpc.StatusBadVersion
	}
	if !rpc.SecretsEqual(req.SecretToken, b.cfg.Secret) {
		rpc.WriteHandshakeResponse(conn, &rpc.HandshakeResponse{Version: rpc.HandshakeVersion, Status: rpc.StatusInternal})
		return nil, rpc.StatusInternal
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.Flags&rpc.FlagHasResumeToken != 0 {
		if sess, ok := b.sessions.Resume(req.ResumeToken); ok {
			sess.Conn = conn
			sess.LastActive = time.Now()
			rpc.WriteHandshakeResponse(conn, &rpc.HandshakeResponse{
				Version:     rpc.HandshakeVersion,
				Status:      rpc.StatusOK,
				ResumeToken: sess.ResumeToken,
				IdleTTLSecs: b.cfg.IdleTTLSecs,
				AbsTTLSecs:  b.cfg.AbsTTLSecs,
			})
			return sess, rpc.StatusOK
		}
		// Unknown (or expired, indistinguishable once evicted) resume
		// token: the client is expected to delete it and retry with
		// flags=0.
		rpc.WriteHandshakeResponse(conn, &rpc.HandshakeResponse{Version: rpc.HandshakeVersion, Status: rpc.StatusTokenUnknown})
		return nil, rpc.StatusTokenUnknown
	}

	if b.cfg.MaxActiveSessions > 0 && b.sessions.ActiveLen() >= b.cfg.MaxActiveSessions {
		rpc.WriteHandshakeResponse(conn, &rpc.HandshakeResponse{Version: rpc.HandshakeVersion, Status: rpc.StatusFull})
		return nil, rpc.StatusFull
	}

	var newToken [32]byte
	if _, err := rand.Read(newToken[:]); err != nil {
		rpc.WriteHandshakeResponse(conn, &rpc.HandshakeResponse{Version: rpc.HandshakeVersion, Status: rpc.StatusInternal})
		return nil, rpc.StatusInternal
	}
	now := time.Now()
	sess := &Session{ID: newSessionID(), Conn: conn, ResumeToken: newToken, CreatedAt: now, LastActive: now}
	b.sessions.Activate(sess)

	rpc.WriteHandshakeResponse(conn, &rpc.HandshakeResponse{
		Version:     rpc.HandshakeVersion,
		Status:      rpc.StatusOK,
		ResumeToken: newToken,
		IdleTTLSecs: b.cfg.IdleTTLSecs,
		AbsTTLSecs:  b.cfg.AbsTTLSecs,
	})
	return sess, rpc.StatusOK
}

// endSession moves sess to idle rather than destroying it outright: a
// disconnect is not necessarily fatal, and the client may resume within
// the idle window.
func (b *Broker) endSession(sess *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions.MarkIdle(sess.ID)
}

// removeSession drops sess entirely — the fatal-error path.
func (b *Broker) removeSession(sess *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions.Remove(sess.ID)
}

// dispatch runs req against sess and returns the encoded JSON-RPC
// response frame payload.
func (b *Broker) dispatch(sess *Session, req *rpc.Request) []byte {
	var res any
	var err error

	switch req.Method {
	case "exec":
		res, err = b.dispatchExec(sess, req.Params)
	case "status":
		res, err = b.dispatchStatus(sess)
	default:
		res, err = b.dispatchMeta(sess, req.Method, req.Params)
	}

	if err != nil {
		body, encErr := rpc.EncodeError(req.ID, err)
		if encErr != nil {
			return rpc.MethodNotFound(req.ID, req.Method)
		}
		return body
	}
	body, encErr := rpc.EncodeResult(req.ID, res)
	if encErr != nil {
		return rpc.MethodNotFound(req.ID, req.Method)
	}
	return body
}

// writeError writes a decode-level error response directly (used when the
// request itself failed to decode into a Request, so no id is
// available).
func (b *Broker) writeError(conn net.Conn, id json.RawMessage, err error) {
	body, encErr := rpc.EncodeError(id, err)
	if encErr != nil {
		return
	}
	rpc.WriteFrame(conn, body)
}

func (b *Broker) dispatchStatus(sess *Session) (*rpc.StatusResult, error) {
	if sess.ConnName == "" {
		return &rpc.StatusResult{}, nil
	}
	_, _, gen, err := b.cfg.ConnMgr.Acquire(sess.ConnName)
	if err != nil {
		return nil, err
	}
	return &rpc.StatusResult{ConnName: sess.ConnName, Connected: true, Generation: gen}, nil
}

// dispatchExec runs the full validating pipeline: lower -> touch extract
// -> validate -> acquire backend+store -> build result.
func (b *Broker) dispatchExec(sess *Session, params json.RawMessage) (*rpc.ExecResult, error) {
	var p rpc.ExecParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errs.Wrap(errs.BadInput, err, "exec: malformed params")
	}
	if sess.ConnName == "" {
		return nil, errs.New(errs.BadInput, "exec: no connection selected (use a meta command to select one)")
	}

	profile, ok := b.cfg.Catalog.Get(sess.ConnName)
	if !ok {
		return nil, errs.New(errs.BadInput, "exec: connection no longer configured")
	}

	handle, err := b.lowerer.Lower(p.SQL)
	if err != nil {
		return nil, err
	}
	if handle.Root.Status == ir.StatusParseError {
		return nil, errs.New(errs.ParseError, handle.Root.ParseDiagnostic)
	}

	report := touch.Extract(handle.Root)
	plan, err := validator.Validate(handle.Root, report, profile)
	if err != nil {
		return nil, err
	}

	backend, store, gen, err := b.cfg.ConnMgr.Acquire(sess.ConnName)
	if err != nil {
		return nil, err
	}

	colNames := make([]string, len(handle.Root.SelectItems))
	for i, item := range handle.Root.SelectItems {
		colNames[i] = item.OutAlias
	}

	builder, err := result.New(colNames, nil, profile.Policy.MaxRows, profile.Policy.MaxQueryBytes, result.BuildPolicy{
		Plan:       plan,
		Store:      store,
		Generation: gen,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := connmgr.StatementTimeout(context.Background(), profile.Policy)
	defer cancel()

	start := time.Now()
	// The driver-reported OIDs are opaque to this package and database/sql exposes no
	// driver-agnostic accessor for them mid-scan, so every cell is tagged OID 0;
	// only the token store's dedup key, not any policy decision, depends on it.
	_, _, err = backend.Exec(ctx, p.SQL, func(row [][]byte) error {
		cells := make([]result.Cell, len(row))
		for i, v := range row {
			cells[i] = result.Cell{Value: v}
		}
		return builder.AppendRow(cells)
	})
	if err != nil {
		b.cfg.ConnMgr.Disconnect(sess.ConnName)
		return nil, err
	}

	qr := builder.Result()
	cols := make([]rpc.ExecColumn, len(qr.Columns))
	for i, c := range qr.Columns {
		cols[i] = rpc.ExecColumn{Name: c.Name, Type: c.Type}
	}

	return &rpc.ExecResult{
		ExecMS:    time.Since(start).Milliseconds(),
		Columns:   cols,
		Rows:      qr.Rows,
		RowCount:  len(qr.Rows),
		Truncated: qr.ResultTruncated,
	}, nil
}

// dispatchMeta handles every non-exec/status method as a CLI-style meta
// command, parsed as "key=value" pairs with double-quoted values; values
// stay strings, with no numeric coercion. The only meta command this
// implementation recognizes is "use", selecting the active connection by
// name; any other method is answered with an unrecognized command error
// naming the method, giving the caller a place to extend the surface without
// touching the exec/status paths above.
func (b *Broker) dispatchMeta(sess *Session, method string, params json.RawMessage) (any, error) {
	var p rpc.MetaParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errs.Wrap(errs.BadInput, err, "meta: malformed params")
		}
	}

	if method == "use" {
		kv := parseMetaLine(p.Raw)
		name := kv["conn"]
		if name == "" {
			name = p.Raw
		}
		if _, ok := b.cfg.Catalog.Get(name); !ok {
			return nil, errs.New(errs.BadInput, "meta: unknown connection "+name)
		}
		sess.ConnName = name
		return map[string]string{"conn": name}, nil
	}

	return nil, errs.New(errs.BadInput, "meta: unrecognized command "+method)
}

// parseMetaLine parses a raw meta-command tail into key=value pairs,
// supporting double-quoted values. Numeric coercion is left to each
// command's own consumer; this layer only tokenizes.
func parseMetaLine(raw string) map[string]string {
	out := make(map[string]string)
	fields := splitMetaFields(raw)
	for _, f := range fields {
		eq := strings.IndexByte(f, '=')
		if eq < 0 {
			continue
		}
		key := f[:eq]
		val := f[eq+1:]
		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = val[1 : len(val)-1]
		}
		out[key] = val
	}
	return out
}

// splitMetaFields splits raw on whitespace, keeping double-quoted
// segments (which may contain spaces) intact as a single field.
func splitMetaFields(raw string) []string {
	var fields []string
	var cur []byte
	inQuotes := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			cur = append(cur, c)
		case c == ' ' && !inQuotes:
			if len(cur) > 0 {
				fields = append(fields, string(cur))
				cur = cur[:0]
			}
		default:
			cur = append(cur, c)
		}
	}
	if len(cur) > 0 {
		fields = append(fields, string(cur))
	}
	return fields
}
