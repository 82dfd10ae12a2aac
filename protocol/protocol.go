// Package protocol defines the DevTools wire envelope consumed from and
// produced to the host bridge: inbound commands, outbound responses, and
// outbound events.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is an inbound command: {id, method: "Domain.action", params}.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound success envelope: {id, result}.
type Response struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

// Event is an outbound notification (no id): {method, params}.
type Event struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ErrorResult is the typed {error} payload domain methods return for lookup
// misses. It travels inside Response.Result, never as a transport error.
type ErrorResult struct {
	Error string `json:"error"`
}

// DecodeError reports a malformed inbound envelope. Such messages are
// logged and dropped without a reply.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: malformed command: %s", e.Reason)
}

// Decode parses raw JSON into a Request, validating the envelope shape:
// a numeric id, a string method of the form "Domain.action", and an
// object-valued (or absent) params.
func Decode(data []byte) (*Request, error) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method json.RawMessage `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	var req Request
	if len(probe.ID) == 0 {
		return nil, &DecodeError{Reason: "missing id"}
	}
	if err := json.Unmarshal(probe.ID, &req.ID); err != nil {
		return nil, &DecodeError{Reason: "id is not numeric"}
	}
	if len(probe.Method) == 0 {
		return nil, &DecodeError{Reason: "missing method"}
	}
	if err := json.Unmarshal(probe.Method, &req.Method); err != nil {
		return nil, &DecodeError{Reason: "method is not a string"}
	}
	if _, _, err := SplitMethod(req.Method); err != nil {
		return nil, err
	}
	if len(probe.Params) > 0 {
		trimmed := strings.TrimSpace(string(probe.Params))
		if trimmed != "null" && !strings.HasPrefix(trimmed, "{") {
			return nil, &DecodeError{Reason: "params is not an object"}
		}
		req.Params = probe.Params
	}
	return &req, nil
}

// SplitMethod splits "Domain.action" into its two halves.
func SplitMethod(method string) (domain, action string, err error) {
	dot := strings.IndexByte(method, '.')
	if dot <= 0 || dot == len(method)-1 {
		return "", "", &DecodeError{Reason: fmt.Sprintf("method %q is not Domain.action", method)}
	}
	return method[:dot], method[dot+1:], nil
}
