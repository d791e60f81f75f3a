package stockdash

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError reports that no response was received: the connection failed,
// the request timed out, or the context was cancelled.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DecodeError reports a response whose body did not match the expected shape.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decoding response: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ServiceError reports a failure returned by the service (HTTP status >= 400),
// or a request the client refused to send because the service would reject it.
type ServiceError struct {
	Op      string
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s: service error %d: %s", e.Op, e.Status, msg)
}

// ErrorKind classifies an error into the gateway taxonomy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindDecode
	KindService
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// KindOf returns the taxonomy kind of err, looking through wrapping.
func KindOf(err error) ErrorKind {
	var ne *NetworkError
	var de *DecodeError
	var se *ServiceError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &se):
		return KindService
	case errors.As(err, &de):
		return KindDecode
	case errors.As(err, &ne):
		return KindNetwork
	default:
		return KindUnknown
	}
}
