package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/sqlguard/mcpsqlguard/internal/errs"
)

// ResumeTokenStore is the process-wide on-disk cache of one resume token
// per (user-runtime dir, socket-path-hash). It fails safe
// closed rather than erroring: an insecure directory or file simply
// disables persistence for that process.
type ResumeTokenStore struct {
	dir  string
	path string
}

// NewResumeTokenStore locates the store under runtimeDir for the listen
// socket at socketPath. The directory is not created here; Store creates
// it on first write.
func NewResumeTokenStore(runtimeDir, socketPath string) *ResumeTokenStore {
	sum := sha256.Sum256([]byte(socketPath))
	dir := filepath.Join(runtimeDir, "mcpsqlguard")
	file := filepath.Join(dir, hex.EncodeToString(sum[:8])+".resume")
	return &ResumeTokenStore{dir: dir, path: file}
}

// dirSafe reports whether s.dir exists, is owned by the calling process'
// user, and is mode 0700 exactly. golang.org/x/sys/unix.Stat backs the
// ownership check since os.FileInfo alone exposes no uid on every
// platform the way unix.Stat_t does.
func (s *ResumeTokenStore) dirSafe() bool {
	var st unix.Stat_t
	if err := unix.Stat(s.dir, &st); err != nil {
		return false
	}
	if os.FileMode(st.Mode).Perm() != 0700 {
		return false
	}
	return int(st.Uid) == os.Getuid()
}

func (s *ResumeTokenStore) fileSafe() bool {
	info, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	return info.Mode().Perm() == 0600 && info.Size() == 32
}

// Load returns the persisted token, or ok=false if none exists or the
// directory/file fails the safety check (in which case the file is
// deleted and this is treated as "no token", never an error).
func (s *ResumeTokenStore) Load() (token [32]byte, ok bool) {
	if !s.dirSafe() {
		os.Remove(s.path)
		return token, false
	}
	if !s.fileSafe() {
		os.Remove(s.path)
		return token, false
	}
	data, err := os.ReadFile(s.path)
	if err != nil || len(data) != 32 {
		os.Remove(s.path)
		return token, false
	}
	copy(token[:], data)
	return token, true
}

// Store persists token, creating the owner-only directory on first use.
// An already-existing directory is never chmod'd into shape: a
// permissive pre-existing directory (e.g. mode 0755) silently disables
// the store for that process rather than having its permissions
// "fixed", since a permissive directory may not be one this process
// itself created.
func (s *ResumeTokenStore) Store(token [32]byte) error {
	if err := os.Mkdir(s.dir, 0700); err != nil && !os.IsExist(err) {
		return nil
	}
	if !s.dirSafe() {
		return nil
	}
	if err := os.WriteFile(s.path, token[:], 0600); err != nil {
		return nil
	}
	if !s.fileSafe() {
		os.Remove(s.path)
		return nil
	}
	return nil
}

// Delete removes the persisted token, if any. An unsafe directory
// disables the store, so Delete no-ops there just like Store: the file
// may not be one this process owns. A missing file is not an error.
func (s *ResumeTokenStore) Delete() error {
	if !s.dirSafe() {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Internal, err, "broker: delete resume token")
	}
	return nil
}
