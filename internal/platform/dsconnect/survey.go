// Package dsconnect queries survey completion status from the DS-Connect
// API. The server checks header names case-sensitively, so the request
// headers are written verbatim rather than in Go's canonical form.
package dsconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/rs/zerolog"

	"github.com/kumc-bmi/refsync/internal/platform/authtransport"
	"github.com/kumc-bmi/refsync/internal/platform/remote"
)

// DefaultURL is the survey status endpoint.
const DefaultURL = "https://dsconnect25.pxrds-test.com/component/api/survey/getstatus"

const (
	// HeaderContentType and HeaderAPIKey are sent with exactly this casing.
	HeaderContentType = "Content-Type"
	HeaderAPIKey      = "X-DSNIH-KEY"

	opGetStatus = "dsconnect getstatus"
)

// TestStids are the survey ids used for integration checks.
var TestStids = []int{91, 90}

// StatusResult holds the per-survey status values exactly as the API
// returned them.
type StatusResult []json.RawMessage

type statusRequest struct {
	Stids []int `json:"stids"`
}

// Option configures a Survey.
type Option func(*Survey)

// WithURL overrides the status endpoint.
func WithURL(u string) Option {
	return func(s *Survey) { s.url = u }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Survey) { s.logger = l }
}

// Survey is a client for the getstatus endpoint.
type Survey struct {
	client *http.Client
	url    string
	apiKey string
	logger zerolog.Logger
}

// NewSurvey creates a Survey. client should carry Basic-auth credentials
// for the endpoint; see BasicClient.
func NewSurvey(client *http.Client, apiKey string, opts ...Option) *Survey {
	s := &Survey{
		client: client,
		url:    DefaultURL,
		apiKey: apiKey,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// URL returns the status endpoint.
func (s *Survey) URL() string { return s.url }

// BasicClient builds an HTTP/1.1 client that sends creds to endpointURL.
// An empty endpointURL means DefaultURL.
func BasicClient(endpointURL string, creds authtransport.Credentials, opts ...authtransport.Option) (*http.Client, error) {
	if endpointURL == "" {
		endpointURL = DefaultURL
	}
	return authtransport.New(endpointURL, creds, opts...)
}

// GetStatus posts stids to the status endpoint and returns the decoded
// response without interpreting it. Non-2xx answers come back as
// *remote.TransportError after being logged.
func (s *Survey) GetStatus(ctx context.Context, stids []int) (StatusResult, error) {
	if stids == nil {
		stids = []int{}
	}
	payload, err := json.Marshal(statusRequest{Stids: stids})
	if err != nil {
		return nil, fmt.Errorf("encode stids: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	authtransport.SetVerbatim(req.Header, HeaderContentType, "application/json")
	authtransport.SetVerbatim(req.Header, HeaderAPIKey, s.apiKey)

	s.logger.Debug().
		Ints("stids", stids).
		RawJSON("data", payload).
		Strs("headers", headerNames(req.Header)).
		Msg("getting status")

	resp, err := s.client.Do(req)
	if err != nil {
		terr := &remote.TransportError{Op: opGetStatus, URL: s.url, Err: err}
		remote.LogFailure(s.logger, terr)
		return nil, terr
	}
	if !remote.IsSuccess(resp.StatusCode) {
		terr := remote.FromResponse(opGetStatus, resp)
		remote.LogFailure(s.logger, terr)
		return nil, terr
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &remote.TransportError{
			Op:         opGetStatus,
			URL:        s.url,
			StatusCode: resp.StatusCode,
			Reason:     remote.Reason(resp),
			Header:     resp.Header.Clone(),
			Err:        fmt.Errorf("read body: %w", err),
		}
	}

	result, err := decodeStatus(body)
	if err != nil {
		perr := &remote.ProtocolError{
			Op:         opGetStatus,
			URL:        s.url,
			StatusCode: resp.StatusCode,
			Problem:    err.Error(),
			Body:       body,
		}
		remote.LogFailure(s.logger, perr)
		return nil, perr
	}
	return result, nil
}

// decodeStatus splits a JSON array into its elements. Any other JSON value
// is returned as a single element.
func decodeStatus(body []byte) (StatusResult, error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("body is not JSON")
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		if items == nil {
			items = []json.RawMessage{}
		}
		return StatusResult(items), nil
	}
	return StatusResult{json.RawMessage(trimmed)}, nil
}

// headerNames lists the header names as set, leaving values out so the API
// key stays out of the log.
func headerNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
