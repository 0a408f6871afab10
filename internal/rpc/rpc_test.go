package rpc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/sqlguard/mcpsqlguard/internal/errs"
)

func TestHandshakeRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x4D, 0x43, 0x50, 0x42}) // magic
	binary.Write(&buf, binary.BigEndian, HandshakeVersion)
	binary.Write(&buf, binary.BigEndian, FlagHasResumeToken)
	var resume [32]byte
	resume[0] = 0xAB
	buf.Write(resume[:])
	var secret [32]byte
	secret[0] = 0xCD
	buf.Write(secret[:])

	req, err := ReadHandshakeRequest(&buf)
	if err != nil {
		t.Fatalf("ReadHandshakeRequest: %v", err)
	}
	if req.Version != HandshakeVersion {
		t.Fatalf("Version = %d, want %d", req.Version, HandshakeVersion)
	}
	if req.Flags&FlagHasResumeToken == 0 {
		t.Fatalf("Flags missing FlagHasResumeToken")
	}
	if req.ResumeToken[0] != 0xAB {
		t.Fatalf("ResumeToken not parsed")
	}
	if req.SecretToken[0] != 0xCD {
		t.Fatalf("SecretToken not parsed")
	}
}

func TestHandshakeRequestBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write(make([]byte, wireRequestLen-4))
	if _, err := ReadHandshakeRequest(&buf); errs.Of(err) != errs.BadInput {
		t.Fatalf("expected BadInput for bad magic, got %v", err)
	}
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := &HandshakeResponse{
		Version:     HandshakeVersion,
		Status:      StatusTokenExpired,
		IdleTTLSecs: 30,
		AbsTTLSecs:  3600,
	}
	resp.ResumeToken[1] = 0x42
	if err := WriteHandshakeResponse(&buf, resp); err != nil {
		t.Fatalf("WriteHandshakeResponse: %v", err)
	}
	if buf.Len() != wireResponseLen {
		t.Fatalf("wrote %d bytes, want %d", buf.Len(), wireResponseLen)
	}
	magic := binary.BigEndian.Uint32(buf.Bytes()[0:4])
	if magic != HandshakeMagic {
		t.Fatalf("magic = %x, want %x", magic, HandshakeMagic)
	}
	status := binary.BigEndian.Uint32(buf.Bytes()[6:10])
	if Status(status) != StatusTokenExpired {
		t.Fatalf("status = %d, want %d", status, StatusTokenExpired)
	}
}

func TestSecretsEqual(t *testing.T) {
	var a, b [32]byte
	a[0], b[0] = 1, 1
	if !SecretsEqual(a, b) {
		t.Fatalf("expected equal secrets to compare equal")
	}
	b[0] = 2
	if SecretsEqual(a, b) {
		t.Fatalf("expected mismatched secrets to compare unequal")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"jsonrpc":"2.0","method":"status"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadFrame = %q, want %q", got, payload)
	}
}

func TestHandshakeClientServerSymmetry(t *testing.T) {
	var buf bytes.Buffer
	req := &HandshakeRequest{Version: HandshakeVersion, Flags: FlagHasResumeToken}
	req.ResumeToken[3] = 0x9A
	req.SecretToken[7] = 0x5C
	if err := WriteHandshakeRequest(&buf, req); err != nil {
		t.Fatalf("WriteHandshakeRequest: %v", err)
	}
	gotReq, err := ReadHandshakeRequest(&buf)
	if err != nil {
		t.Fatalf("ReadHandshakeRequest: %v", err)
	}
	if *gotReq != *req {
		t.Fatalf("request round trip = %#v, want %#v", gotReq, req)
	}

	buf.Reset()
	resp := &HandshakeResponse{Version: HandshakeVersion, Status: StatusOK, IdleTTLSecs: 30, AbsTTLSecs: 3600}
	resp.ResumeToken[5] = 0x11
	if err := WriteHandshakeResponse(&buf, resp); err != nil {
		t.Fatalf("WriteHandshakeResponse: %v", err)
	}
	gotResp, err := ReadHandshakeResponse(&buf)
	if err != nil {
		t.Fatalf("ReadHandshakeResponse: %v", err)
	}
	if *gotResp != *resp {
		t.Fatalf("response round trip = %#v, want %#v", gotResp, resp)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(0))
	if _, err := ReadFrame(&buf); errs.Of(err) != errs.BadInput {
		t.Fatalf("expected BadInput for zero-length frame, got %v", err)
	}
}

func TestWriteFrameRejectsEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err == nil {
		t.Fatalf("expected error writing an empty frame")
	}
}

func TestDecodeRequestExec(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"exec","params":{"sql":"select 1"}}`)
	req, err := DecodeRequest(payload)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.Method != "exec" {
		t.Fatalf("Method = %q, want exec", req.Method)
	}
	var params ExecParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.SQL != "select 1" {
		t.Fatalf("SQL = %q", params.SQL)
	}
}

func TestDecodeRequestRejectsMissingMethod(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","id":1}`)
	if _, err := DecodeRequest(payload); errs.Of(err) != errs.BadInput {
		t.Fatalf("expected BadInput for missing method, got %v", err)
	}
}

func TestDecodeRequestRejectsWrongVersion(t *testing.T) {
	payload := []byte(`{"jsonrpc":"1.0","id":1,"method":"status"}`)
	if _, err := DecodeRequest(payload); errs.Of(err) != errs.BadInput {
		t.Fatalf("expected BadInput for wrong jsonrpc version, got %v", err)
	}
}

func TestEncodeResultAndError(t *testing.T) {
	id := json.RawMessage(`1`)
	b, err := EncodeResult(id, ExecResult{ExecMS: 5, RowCount: 0})
	if err != nil {
		t.Fatalf("EncodeResult: %v", err)
	}
	if !bytes.Contains(b, []byte(`"exec_ms":5`)) {
		t.Fatalf("result missing exec_ms: %s", b)
	}

	rejErr := errs.Reject("QRERR_STAR_PROJECTION", "SELECT * is rejected")
	b, err = EncodeError(id, rejErr)
	if err != nil {
		t.Fatalf("EncodeError: %v", err)
	}
	if !bytes.Contains(b, []byte(`"code":-32003`)) {
		t.Fatalf("missing policy-reject code: %s", b)
	}
	if !bytes.Contains(b, []byte(`QRERR_STAR_PROJECTION`)) {
		t.Fatalf("missing qrerr data: %s", b)
	}
}

func TestMethodNotFound(t *testing.T) {
	b := MethodNotFound(json.RawMessage(`1`), "bogus")
	if !bytes.Contains(b, []byte(`-32601`)) {
		t.Fatalf("missing method-not-found code: %s", b)
	}
}
