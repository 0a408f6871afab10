package util

import (
	"log/slog"
	"os"
	"strings"
)

// InitSlog installs the process-wide logger the broker and connection
// manager log through. The handler is always text-to-stderr with an
// `app` field, since broker and connection-manager lines already carry
// their own structured keys (session_id, conn_name); only the level is tunable,
// via MCPSQLGUARD_LOG_LEVEL (debug, info, warn, error; default info).
func InitSlog() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("MCPSQLGUARD_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler).With("app", "mcpsqlguardd"))
}
