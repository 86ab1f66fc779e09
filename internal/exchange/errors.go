package exchange

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies gateway failures so callers can branch without
// parsing response bodies.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindAuth
	KindRateLimit
	KindRejected
	KindNotFound
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "Network"
	case KindAuth:
		return "Auth"
	case KindRateLimit:
		return "RateLimit"
	case KindRejected:
		return "Rejected"
	case KindNotFound:
		return "NotFound"
	case KindParse:
		return "Parse"
	default:
		return "Unknown"
	}
}

// APIError is a failed gateway call. Msg carries the venue's error body
// for Rejected errors.
type APIError struct {
	Kind   ErrorKind
	Op     string // e.g. "place market order"
	Status int    // HTTP status, 0 for transport failures
	Msg    string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// classify maps an HTTP status to an error kind.
func classify(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests || status == 418:
		return KindRateLimit
	case status == http.StatusNotFound:
		return KindNotFound
	default:
		return KindRejected
	}
}

// apiErr builds an APIError for a non-2xx response.
func apiErr(op string, status int, body string) *APIError {
	return &APIError{Kind: classify(status), Op: op, Status: status, Msg: body}
}

// netErr builds an APIError for a transport-level failure.
func netErr(op string, err error) *APIError {
	return &APIError{Kind: KindNetwork, Op: op, Msg: err.Error()}
}

// parseErr builds an APIError for an undecodable 2xx body.
func parseErr(op string, err error) *APIError {
	return &APIError{Kind: KindParse, Op: op, Msg: err.Error()}
}
