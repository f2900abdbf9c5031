// Package remote classifies failures of calls to the registry and survey
// APIs. A TransportError means the exchange itself failed: no response, or
// a non-2xx status. A ProtocolError means a response arrived but its body
// broke the endpoint's contract.
package remote

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrTransport = errors.New("transport failure")
	ErrProtocol  = errors.New("protocol failure")
)

// TransportError is returned when a request could not complete or the
// server answered with a non-2xx status. StatusCode is 0 when no response
// was received.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Reason     string
	Header     http.Header
	Body       []byte
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Op, e.URL, e.StatusCode, e.Reason)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

// ProtocolError is returned when a response arrived but its body violates
// the endpoint contract. Decoded holds the parsed body when it was JSON.
type ProtocolError struct {
	Op         string
	URL        string
	StatusCode int
	Problem    string
	Body       []byte
	Decoded    any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s: %s (status %d): %s", e.Op, e.URL, e.Problem, e.StatusCode, truncate(e.Body, 200))
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// Reason returns the reason phrase of resp, e.g. "Not Found".
func Reason(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if r := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); r != "" {
		return r
	}
	return http.StatusText(resp.StatusCode)
}

// FromResponse reads and closes resp.Body and builds a TransportError from
// a non-2xx response.
func FromResponse(op string, resp *http.Response) *TransportError {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	var target string
	if resp.Request != nil && resp.Request.URL != nil {
		target = resp.Request.URL.String()
	}
	return &TransportError{
		Op:         op,
		URL:        target,
		StatusCode: resp.StatusCode,
		Reason:     Reason(resp),
		Header:     resp.Header.Clone(),
		Body:       body,
		Err:        err,
	}
}

// IsSuccess reports whether code is in the 2xx range.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}

// LogFailure writes every diagnostic field of a TransportError or
// ProtocolError to logger at error level. Other errors are logged as-is.
func LogFailure(logger zerolog.Logger, err error) {
	var te *TransportError
	var pe *ProtocolError
	switch {
	case errors.As(err, &te):
		evt := logger.Error().Str("op", te.Op).Str("url", te.URL)
		if te.StatusCode != 0 {
			evt = evt.Int("status", te.StatusCode).
				Str("reason", te.Reason).
				Interface("headers", te.Header).
				Bytes("body", te.Body)
		}
		if te.Err != nil {
			evt = evt.Err(te.Err)
		}
		evt.Msg("transport failure")
	case errors.As(err, &pe):
		logger.Error().
			Str("op", pe.Op).
			Str("url", pe.URL).
			Int("status", pe.StatusCode).
			Str("problem", pe.Problem).
			Bytes("body", pe.Body).
			Msg("protocol failure")
	default:
		logger.Error().Err(err).Msg("request failed")
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
