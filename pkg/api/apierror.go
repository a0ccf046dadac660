package api

import (
	"errors"
	"fmt"
	"net/http"

	"callctl/pkg/protocol"
)

// Error types carried in the envelope.
const (
	TypeInvalidRequest = "invalid_request"
	TypeNotFound       = "not_found"
	TypeTransport      = "transport_error"
	TypeTimeout        = "timeout"
	TypeInternal       = "internal_error"
)

// Error is the body of an error response. It is also returned by Client.
type Error struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Status int `json:"-"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	}
	return e.Message
}

// Unwrap maps the envelope type back onto the typed error it came from,
// so protocol.Classify works on client-side errors.
func (e *Error) Unwrap() error {
	switch e.Type {
	case TypeInvalidRequest:
		return &protocol.ValidationError{Field: e.Field, Message: e.Message}
	case TypeNotFound:
		return &protocol.NotFoundError{Kind: "resource", ID: e.Message}
	case TypeTransport:
		return &protocol.TransportError{Op: "server", Detail: e.Message}
	case TypeTimeout:
		return &protocol.TimeoutError{Op: e.Message}
	default:
		return nil
	}
}

// Envelope wraps an Error on the wire.
type Envelope struct {
	Error *Error `json:"error"`
}

// FromError maps err onto the envelope body and HTTP status. Internal
// errors are reported without detail.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}
	out := &Error{Message: err.Error(), RequestID: requestID}
	var status int
	switch protocol.Classify(err) {
	case protocol.ClassValidation:
		out.Type, status = TypeInvalidRequest, http.StatusBadRequest
		var valErr *protocol.ValidationError
		if errors.As(err, &valErr) {
			out.Field = valErr.Field
		}
	case protocol.ClassNotFound:
		out.Type, status = TypeNotFound, http.StatusNotFound
	case protocol.ClassTransport:
		out.Type, status = TypeTransport, http.StatusBadGateway
	case protocol.ClassTimeout:
		out.Type, status = TypeTimeout, http.StatusGatewayTimeout
	default:
		out.Type, status = TypeInternal, http.StatusInternalServerError
		out.Message = "internal error"
	}
	out.Status = status
	return out, status
}
