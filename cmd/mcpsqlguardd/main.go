package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/k0kubun/pp/v3"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/sqlguard/mcpsqlguard/internal/broker"
	"github.com/sqlguard/mcpsqlguard/internal/catalog"
	"github.com/sqlguard/mcpsqlguard/internal/connmgr"
	"github.com/sqlguard/mcpsqlguard/internal/lower/pgbackend"
	"github.com/sqlguard/mcpsqlguard/internal/rpc"
	"github.com/sqlguard/mcpsqlguard/internal/touch"
	"github.com/sqlguard/mcpsqlguard/internal/validator"
	"github.com/sqlguard/mcpsqlguard/util"
)

var version string

type options struct {
	Config     string `short:"c" long:"config" description:"Connection catalog YAML file" value-name:"filename" default:"mcpsqlguard.yml"`
	Socket     string `long:"socket" description:"Listen socket path (defaults to <private-dir>/mcpsqlguardd.sock)" value-name:"path"`
	RuntimeDir string `long:"runtime-dir" description:"Directory rooting the private dir, overriding $XDG_RUNTIME_DIR and $TMPDIR" value-name:"dir"`
	Inspect    string `long:"inspect" description:"Parse and validate one statement, print the verdict, and exit" value-name:"sql"`
	Conn       string `long:"conn" description:"Connection profile used by --inspect (defaults to the first configured one)" value-name:"name"`
	Ping       bool   `long:"ping" description:"Handshake with a running broker and exit"`
	Prompt     bool   `long:"secret-prompt" description:"Prompt for the shared handshake secret instead of reading the secret file"`
	Debug      bool   `long:"debug" description:"Dump the lowered tree and touch report while inspecting"`
	MaxIdle    int    `long:"max-idle-sessions" description:"Idle session cap" value-name:"n" default:"16"`
	IdleTTL    uint   `long:"idle-ttl" description:"Idle session TTL in seconds" value-name:"secs" default:"600"`
	AbsTTL     uint   `long:"abs-ttl" description:"Absolute session TTL in seconds" value-name:"secs" default:"86400"`
	ConnTTL    uint   `long:"conn-ttl" description:"Backend connection reap TTL in seconds" value-name:"secs" default:"300"`
	Help       bool   `long:"help" description:"Show this help"`
	Version    bool   `long:"version" description:"Show this version"`
}

func parseOptions(args []string) *options {
	var opts options
	parser := flags.NewParser(&opts, flags.None)
	parser.Usage = "[option...]"
	if _, err := parser.ParseArgs(args); err != nil {
		log.Fatal(err)
	}

	if opts.Help {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if opts.Version {
		fmt.Println(version)
		os.Exit(0)
	}
	return &opts
}

// privateDir resolves and creates the owner-only directory holding the
// listen socket, the shared-secret file, and the resume-token cache.
func privateDir(opts *options) (string, error) {
	root := opts.RuntimeDir
	if root == "" {
		root = os.Getenv("XDG_RUNTIME_DIR")
	}
	if root == "" {
		root = os.Getenv("TMPDIR")
	}
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "mcpsqlguard")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create private dir %s: %w", dir, err)
	}
	return dir, nil
}

// loadSecret reads the 32-byte shared handshake secret, creating it on
// first server start. With --secret-prompt the secret is derived from an
// interactively typed passphrase instead and the file is not touched.
func loadSecret(dir string, prompt, create bool) ([32]byte, error) {
	var secret [32]byte

	if prompt {
		fmt.Printf("Enter secret: ")
		pass, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return secret, err
		}
		return sha256.Sum256(pass), nil
	}

	path := filepath.Join(dir, "secret")
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		copy(secret[:], data)
		return secret, nil
	}
	if !create {
		return secret, fmt.Errorf("read secret %s: %w", path, err)
	}

	if _, err := rand.Read(secret[:]); err != nil {
		return secret, err
	}
	if err := os.WriteFile(path, secret[:], 0600); err != nil {
		return secret, fmt.Errorf("write secret %s: %w", path, err)
	}
	return secret, nil
}

// runInspect runs one statement through lowering, touch extraction, and
// validation without contacting any backend, then prints the verdict.
func runInspect(opts *options, cat *catalog.Catalog) int {
	connName := opts.Conn
	if connName == "" {
		names := cat.Names()
		if len(names) == 0 {
			fmt.Fprintln(os.Stderr, "no connections configured")
			return 1
		}
		connName = names[0]
	}
	profile, ok := cat.Get(connName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown connection %q\n", connName)
		return 1
	}

	handle, err := pgbackend.New().Lower(opts.Inspect)
	if err != nil {
		log.Fatal(err)
	}
	report := touch.Extract(handle.Root)

	if opts.Debug {
		pp.Println(handle.Root)
		pp.Println(report)
	}

	out := colorable.NewColorableStdout()
	color := isatty.IsTerminal(os.Stdout.Fd())

	plan, err := validator.Validate(handle.Root, report, profile)
	if err != nil {
		if color {
			fmt.Fprintf(out, "\x1b[31mrejected\x1b[0m: %v\n", err)
		} else {
			fmt.Fprintf(out, "rejected: %v\n", err)
		}
		return 1
	}

	if color {
		fmt.Fprintf(out, "\x1b[32maccepted\x1b[0m (%d output columns)\n", len(plan.Cols))
	} else {
		fmt.Fprintf(out, "accepted (%d output columns)\n", len(plan.Cols))
	}
	for i, col := range plan.Cols {
		kind := "plaintext"
		if col.Kind == validator.ColToken {
			kind = "token " + col.ColID
		}
		fmt.Fprintf(out, "  col %d: %s\n", i, kind)
	}
	return 0
}

// runPing performs one client handshake against a running broker,
// persisting the resume token on success and retrying once without a
// token when the broker no longer recognizes it.
func runPing(opts *options, dir, socket string, secret [32]byte) int {
	store := broker.NewResumeTokenStore(filepath.Dir(dir), socket)

	req := &rpc.HandshakeRequest{Version: rpc.HandshakeVersion, SecretToken: secret}
	if tok, ok := store.Load(); ok {
		req.Flags = rpc.FlagHasResumeToken
		req.ResumeToken = tok
	}

	resp, err := handshakeOnce(socket, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ping: %v\n", err)
		return 1
	}
	if resp.Status == rpc.StatusTokenUnknown || resp.Status == rpc.StatusTokenExpired {
		store.Delete()
		req.Flags = 0
		req.ResumeToken = [32]byte{}
		resp, err = handshakeOnce(socket, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ping: %v\n", err)
			return 1
		}
	}

	fmt.Printf("status=%s idle_ttl=%ds abs_ttl=%ds\n", resp.Status, resp.IdleTTLSecs, resp.AbsTTLSecs)
	if resp.Status != rpc.StatusOK {
		return 1
	}
	store.Store(resp.ResumeToken)
	return 0
}

func handshakeOnce(socket string, req *rpc.HandshakeRequest) (*rpc.HandshakeResponse, error) {
	conn, err := net.DialTimeout("unix", socket, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := rpc.WriteHandshakeRequest(conn, req); err != nil {
		return nil, err
	}
	return rpc.ReadHandshakeResponse(conn)
}

func serve(opts *options, cat *catalog.Catalog, dir, socket string, secret [32]byte) {
	mgr := connmgr.New(cat, time.Duration(opts.ConnTTL)*time.Second)

	os.Remove(socket)
	ln, err := net.Listen("unix", socket)
	if err != nil {
		log.Fatal(err)
	}

	b := broker.New(broker.Config{
		Catalog:         cat,
		ConnMgr:         mgr,
		Secret:          secret,
		MaxIdleSessions: opts.MaxIdle,
		IdleTTLSecs:     uint32(opts.IdleTTL),
		AbsTTLSecs:      uint32(opts.AbsTTL),
	}, ln)
	defer b.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.ReapExpired()
			}
		}
	}()

	for _, name := range cat.Names() {
		fmt.Printf("connection %s configured\n", name)
	}
	fmt.Printf("listening on %s\n", socket)

	if err := b.Serve(ctx); err != nil {
		log.Fatal(err)
	}
}

func main() {
	util.InitSlog()
	opts := parseOptions(os.Args[1:])

	dir, err := privateDir(opts)
	if err != nil {
		log.Fatal(err)
	}
	socket := opts.Socket
	if socket == "" {
		socket = filepath.Join(dir, "mcpsqlguardd.sock")
	}

	cat, err := catalog.LoadFile(opts.Config)
	if err != nil && opts.Inspect == "" && !opts.Ping {
		log.Fatal(err)
	}

	if opts.Inspect != "" {
		if cat == nil {
			log.Fatal(err)
		}
		os.Exit(runInspect(opts, cat))
	}

	if opts.Ping {
		secret, err := loadSecret(dir, opts.Prompt, false)
		if err != nil {
			log.Fatal(err)
		}
		os.Exit(runPing(opts, dir, socket, secret))
	}

	secret, err := loadSecret(dir, opts.Prompt, true)
	if err != nil {
		log.Fatal(err)
	}
	serve(opts, cat, dir, socket, secret)
}
