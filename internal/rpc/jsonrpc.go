package rpc

import (
	"encoding/json"

	"github.com/sqlguard/mcpsqlguard/internal/errs"
)

// Request is a JSON-RPC 2.0 request envelope. Params is kept
// raw so exec/status/meta can each decode their own shape.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result or
// Error is set, per JSON-RPC 2.0.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object. Code follows the JSON-RPC
// reserved ranges for protocol-level failures; application failures (the
// errs.Kind taxonomy) use the -32000..-32099 "server error" band with
// Data carrying the QRERR_* machine code when one applies.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeBadInput     = -32000
	codeSQLParse     = -32001
	codeUnsupported  = -32002
	codePolicyReject = -32003
	codeRuntimeLimit = -32004
	codeBackendError = -32005
)

// ExecParams is the decoded params object for the "exec" method.
type ExecParams struct {
	SQL string `json:"sql"`
}

// ExecColumn describes one result column in an exec response.
type ExecColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExecResult is the JSON-RPC result payload for a successful "exec" call
//.
type ExecResult struct {
	ExecMS    int64        `json:"exec_ms"`
	Columns   []ExecColumn `json:"columns"`
	Rows      [][]any      `json:"rows"`
	RowCount  int          `json:"rowcount"`
	Truncated bool         `json:"truncated"`
}

// StatusResult is the JSON-RPC result payload for the "status" method: a
// connection snapshot.
type StatusResult struct {
	ConnName   string `json:"conn_name"`
	Connected  bool   `json:"connected"`
	Generation uint32 `json:"generation"`
}

// MetaParams is the decoded params object for any meta command.
type MetaParams struct {
	Raw string `json:"raw"`
}

// DecodeRequest unmarshals one JSON-RPC request from a frame payload.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errs.Wrap(errs.BadInput, err, "rpc: malformed json-rpc request")
	}
	if req.JSONRPC != "2.0" {
		return nil, errs.New(errs.BadInput, "rpc: jsonrpc field must be \"2.0\"")
	}
	if req.Method == "" {
		return nil, errs.New(errs.BadInput, "rpc: missing method")
	}
	return &req, nil
}

// EncodeResult builds the JSON bytes of a successful response to id.
func EncodeResult(id json.RawMessage, result any) ([]byte, error) {
	resp := Response{JSONRPC: "2.0", ID: id, Result: result}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "rpc: marshal response")
	}
	return b, nil
}

// EncodeError builds the JSON bytes of an error response to id, mapping
// err's errs.Kind (and QRERR_* code, if any) onto the wire RPCError shape
//.
func EncodeError(id json.RawMessage, err error) ([]byte, error) {
	rpcErr := toRPCError(err)
	resp := Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	b, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return nil, errs.Wrap(errs.Internal, marshalErr, "rpc: marshal error response")
	}
	return b, nil
}

func toRPCError(err error) *RPCError {
	kind := errs.Of(err)
	code := codeInternalError
	switch kind {
	case errs.BadInput:
		code = codeBadInput
	case errs.ParseError:
		code = codeSQLParse
	case errs.Unsupported:
		code = codeUnsupported
	case errs.PolicyReject:
		code = codePolicyReject
	case errs.RuntimeLimit:
		code = codeRuntimeLimit
	case errs.BackendError:
		code = codeBackendError
	case errs.Internal:
		code = codeInternalError
	}

	var data any
	if e, ok := err.(*errs.Error); ok && e.Code != "" {
		data = map[string]string{"qrerr": e.Code}
	}

	return &RPCError{Code: code, Message: err.Error(), Data: data}
}

// MethodNotFound builds the standard JSON-RPC "method not found" error
// for an unrecognized method name.
func MethodNotFound(id json.RawMessage, method string) []byte {
	resp := Response{JSONRPC: "2.0", ID: id, Error: &RPCError{
		Code:    codeMethodNotFound,
		Message: "method not found: " + method,
	}}
	b, _ := json.Marshal(resp)
	return b
}
