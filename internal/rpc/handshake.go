// Package rpc implements the broker's wire surface: the framed handshake
// request/response (fixed-size, encoding/binary), the post-handshake
// length-prefixed JSON framing, and JSON-RPC 2.0 envelope encode/decode
// for the exec/status/meta method surface.
package rpc

import (
	"bufio"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sqlguard/mcpsqlguard/internal/errs"
)

// HandshakeMagic is the fixed 4-byte magic every handshake request and
// response begins with.
const HandshakeMagic uint32 = 0x4D435042

// HandshakeVersion is the only wire version this implementation speaks.
const HandshakeVersion uint16 = 1

const resumeTokenLen = 32
const secretTokenLen = 32

// HandshakeFlags bit 0: the request carries a resume token.
const FlagHasResumeToken uint16 = 1 << 0

// Status is the handshake response's outcome code.
type Status uint32

const (
	StatusOK Status = iota
	StatusBadMagic
	StatusBadVersion
	StatusTokenExpired
	StatusTokenUnknown
	StatusFull
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadMagic:
		return "BAD_MAGIC"
	case StatusBadVersion:
		return "BAD_VERSION"
	case StatusTokenExpired:
		return "TOKEN_EXPIRED"
	case StatusTokenUnknown:
		return "TOKEN_UNKNOWN"
	case StatusFull:
		return "FULL"
	default:
		return "INTERNAL"
	}
}

// HandshakeRequest is the fixed-size wire request.
type HandshakeRequest struct {
	Version     uint16
	Flags       uint16
	ResumeToken [resumeTokenLen]byte
	SecretToken [secretTokenLen]byte
}

// HandshakeResponse is the fixed-size wire response.
type HandshakeResponse struct {
	Version     uint16
	Status      Status
	ResumeToken [resumeTokenLen]byte
	IdleTTLSecs uint32
	AbsTTLSecs  uint32
}

// wireRequestLen is the exact on-wire byte length of a HandshakeRequest:
// u32 magic + u16 version + u16 flags + 32 + 32.
const wireRequestLen = 4 + 2 + 2 + resumeTokenLen + secretTokenLen

// wireResponseLen: u32 magic + u16 version + u32 status + 32 + u32 + u32.
const wireResponseLen = 4 + 2 + 4 + resumeTokenLen + 4 + 4

// ReadHandshakeRequest reads and validates the magic of a handshake
// request off r. A bad magic is reported as an error value (errs.BadInput),
// not an I/O error, so the caller can still send a well-formed
// BAD_MAGIC response before closing the session.
func ReadHandshakeRequest(r io.Reader) (*HandshakeRequest, error) {
	buf := make([]byte, wireRequestLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "rpc: read handshake request")
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != HandshakeMagic {
		return nil, errs.New(errs.BadInput, "rpc: bad handshake magic")
	}

	req := &HandshakeRequest{
		Version: binary.BigEndian.Uint16(buf[4:6]),
		Flags:   binary.BigEndian.Uint16(buf[6:8]),
	}
	copy(req.ResumeToken[:], buf[8:8+resumeTokenLen])
	copy(req.SecretToken[:], buf[8+resumeTokenLen:8+resumeTokenLen+secretTokenLen])
	return req, nil
}

// WriteHandshakeRequest writes req to w, the client side of the
// handshake exchange.
func WriteHandshakeRequest(w io.Writer, req *HandshakeRequest) error {
	buf := make([]byte, wireRequestLen)
	binary.BigEndian.PutUint32(buf[0:4], HandshakeMagic)
	binary.BigEndian.PutUint16(buf[4:6], req.Version)
	binary.BigEndian.PutUint16(buf[6:8], req.Flags)
	copy(buf[8:8+resumeTokenLen], req.ResumeToken[:])
	copy(buf[8+resumeTokenLen:8+resumeTokenLen+secretTokenLen], req.SecretToken[:])

	if _, err := w.Write(buf); err != nil {
		return errs.Wrap(errs.BackendError, err, "rpc: write handshake request")
	}
	if f, ok := w.(*bufio.Writer); ok {
		return f.Flush()
	}
	return nil
}

// ReadHandshakeResponse reads the server's fixed-size handshake response
// off r, the client side of the exchange.
func ReadHandshakeResponse(r io.Reader) (*HandshakeResponse, error) {
	buf := make([]byte, wireResponseLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "rpc: read handshake response")
	}
	if binary.BigEndian.Uint32(buf[0:4]) != HandshakeMagic {
		return nil, errs.New(errs.BadInput, "rpc: bad handshake response magic")
	}

	resp := &HandshakeResponse{
		Version: binary.BigEndian.Uint16(buf[4:6]),
		Status:  Status(binary.BigEndian.Uint32(buf[6:10])),
	}
	copy(resp.ResumeToken[:], buf[10:10+resumeTokenLen])
	resp.IdleTTLSecs = binary.BigEndian.Uint32(buf[10+resumeTokenLen : 14+resumeTokenLen])
	resp.AbsTTLSecs = binary.BigEndian.Uint32(buf[14+resumeTokenLen : 18+resumeTokenLen])
	return resp, nil
}

// WriteHandshakeResponse writes resp to w, flushing if w buffers.
func WriteHandshakeResponse(w io.Writer, resp *HandshakeResponse) error {
	buf := make([]byte, wireResponseLen)
	binary.BigEndian.PutUint32(buf[0:4], HandshakeMagic)
	binary.BigEndian.PutUint16(buf[4:6], resp.Version)
	binary.BigEndian.PutUint32(buf[6:10], uint32(resp.Status))
	copy(buf[10:10+resumeTokenLen], resp.ResumeToken[:])
	binary.BigEndian.PutUint32(buf[10+resumeTokenLen:14+resumeTokenLen], resp.IdleTTLSecs)
	binary.BigEndian.PutUint32(buf[14+resumeTokenLen:18+resumeTokenLen], resp.AbsTTLSecs)

	if _, err := w.Write(buf); err != nil {
		return errs.Wrap(errs.BackendError, err, "rpc: write handshake response")
	}
	if f, ok := w.(*bufio.Writer); ok {
		return f.Flush()
	}
	return nil
}

// SecretsEqual compares two shared-secret byte arrays in constant time,
// the same defensive-compare shape as a bearer-token check: a raw `==`
// would leak timing information about how many leading bytes matched.
func SecretsEqual(a, b [secretTokenLen]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// ReadFrame reads one post-handshake length-prefixed JSON payload. Length 0 is
// rejected as BadInput.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "rpc: read frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, errs.New(errs.BadInput, "rpc: zero-length frame is not valid")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.Wrap(errs.BackendError, err, "rpc: read frame payload")
	}
	return payload, nil
}

// WriteFrame writes payload as one post-handshake length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return errs.New(errs.Internal, "rpc: refusing to write a zero-length frame")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.Wrap(errs.BackendError, err, fmt.Sprintf("rpc: write frame length (%d bytes)", len(payload)))
	}
	if _, err := w.Write(payload); err != nil {
		return errs.Wrap(errs.BackendError, err, "rpc: write frame payload")
	}
	if f, ok := w.(*bufio.Writer); ok {
		return f.Flush()
	}
	return nil
}
