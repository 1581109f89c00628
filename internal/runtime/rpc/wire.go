package rpc

import (
	"fmt"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
)

// Kwargs are the keyword arguments of one call.
type Kwargs map[string]any

// request is the body of an RPC request: {"kwargs": {...}}.
type request struct {
	Kwargs Kwargs `json:"kwargs"`
}

type inboundRequest struct {
	Kwargs map[string]jsoncodec.RawMessage `json:"kwargs"`
}

// EncodeRequest builds a request body.
func EncodeRequest(kwargs Kwargs) ([]byte, error) {
	if kwargs == nil {
		kwargs = Kwargs{}
	}
	return jsoncodec.Marshal(request{Kwargs: kwargs})
}

// DecodeRequest returns the raw keyword arguments of a request body. A body
// that is not a JSON object with an object-valued "kwargs" is malformed; a
// missing "kwargs" means no arguments.
func DecodeRequest(body []byte) (map[string]jsoncodec.RawMessage, error) {
	if !jsoncodec.Valid(body) {
		return nil, &uerrors.MalformedPayloadError{Err: fmt.Errorf("request body is not valid JSON")}
	}
	var req inboundRequest
	if err := jsoncodec.Unmarshal(body, &req); err != nil {
		return nil, &uerrors.MalformedPayloadError{Err: err}
	}
	if req.Kwargs == nil {
		req.Kwargs = map[string]jsoncodec.RawMessage{}
	}
	return req.Kwargs, nil
}

type errorReply struct {
	Error *uerrors.RemoteError `json:"error"`
}

// EncodeError builds a structured error reply body and returns it with the
// error kind carried in the reply header.
func EncodeError(err error) ([]byte, string) {
	kind := uerrors.Kind(err)
	body, mErr := jsoncodec.Marshal(errorReply{Error: &uerrors.RemoteError{Kind: kind, Message: err.Error()}})
	if mErr != nil {
		body = []byte(`{"error":{"kind":"handler","message":"unencodable error"}}`)
	}
	return body, kind
}

// DecodeError turns a structured error reply into a *RemoteError.
func DecodeError(kind string, body []byte) *uerrors.RemoteError {
	var reply errorReply
	if err := jsoncodec.Unmarshal(body, &reply); err != nil || reply.Error == nil {
		return &uerrors.RemoteError{Kind: kind, Message: string(body)}
	}
	if reply.Error.Kind == "" {
		reply.Error.Kind = kind
	}
	return reply.Error
}
