package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request omitted its id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// Response represents a JSON-RPC response. The id is always present on the
// wire and encodes as null when the request id could not be determined.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// ErrorResponse wraps an existing Error value in a response envelope.
func ErrorResponse(id *RequestID, e *Error) *Response {
	return &Response{JSONRPCVersion: ProtocolVersion, Error: e, ID: id}
}

// DecodeRequest parses a single JSON-RPC request envelope.
//
// Bodies that are not valid JSON yield ErrorCodeParseError. Well-formed JSON
// that is not a valid request object (wrong shape, wrong version, missing
// method, bad id type) yields ErrorCodeInvalidRequest. When the envelope is
// readable enough to carry an id, the id is returned alongside the error so
// the caller can echo it.
func DecodeRequest(data []byte) (*Request, *RequestID, *Error) {
	if !json.Valid(data) {
		return nil, nil, NewError(ErrorCodeParseError, "Invalid JSON-RPC request: body is not valid JSON")
	}

	var raw struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method"`
		Params         json.RawMessage `json:"params,omitempty"`
		ID             *RequestID      `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "" {
			return nil, nil, NewError(ErrorCodeInvalidRequest, "Invalid JSON-RPC request: expected a single request object")
		}
		return nil, nil, NewError(ErrorCodeInvalidRequest, "Invalid JSON-RPC request: %v", err)
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return nil, raw.ID, NewError(ErrorCodeInvalidRequest, "Unsupported JSON-RPC version")
	}
	if raw.Method == "" {
		return nil, raw.ID, NewError(ErrorCodeInvalidRequest, "Invalid JSON-RPC request: missing method")
	}

	return &Request{
		JSONRPCVersion: raw.JSONRPCVersion,
		Method:         raw.Method,
		Params:         raw.Params,
		ID:             raw.ID,
	}, raw.ID, nil
}
