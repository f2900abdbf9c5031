// Package redcap imports records into a REDCap project through its API.
package redcap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kumc-bmi/refsync/internal/platform/refcode"
	"github.com/kumc-bmi/refsync/internal/platform/remote"
)

// DefaultURL is the KUMC REDCap API endpoint.
const DefaultURL = "https://redcap.kumc.edu/api/"

const opImport = "redcap import"

// ImportResult is the decoded body of a successful import.
type ImportResult struct {
	Count int            `json:"count"`
	Body  map[string]any `json:"-"`
}

// Option configures a Project.
type Option func(*Project)

// WithLogger sets the logger for request and result lines.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Project) { p.logger = l }
}

// Project is a REDCap project reachable with one API token.
type Project struct {
	client *http.Client
	url    string
	token  string
	logger zerolog.Logger
}

// NewProject creates a Project that posts to apiURL with token.
func NewProject(client *http.Client, apiURL, token string, opts ...Option) *Project {
	p := &Project{
		client: client,
		url:    apiURL,
		token:  token,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// URL returns the API endpoint.
func (p *Project) URL() string { return p.url }

type formField struct {
	key, value string
}

// ImportRecords submits batch in one form POST. It succeeds only on a 200
// whose JSON object body has "count" and no "error". Every call is a new
// import attempt; nothing is deduplicated.
func (p *Project) ImportRecords(ctx context.Context, batch []refcode.Record) (*ImportResult, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	fields := []formField{
		{"token", p.token},
		{"content", "record"},
		{"data", string(data)},
		{"format", "json"},
	}
	p.logSending(fields)
	p.logger.Debug().RawJSON("data", data).Msg("sending")

	form := url.Values{}
	for _, f := range fields {
		form.Set(f.key, f.value)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		terr := &remote.TransportError{Op: opImport, URL: p.url, Err: err}
		remote.LogFailure(p.logger, terr)
		return nil, terr
	}

	if !remote.IsSuccess(resp.StatusCode) {
		terr := remote.FromResponse(opImport, resp)
		p.logErrorBody(terr)
		return nil, terr
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &remote.TransportError{
			Op:         opImport,
			URL:        p.url,
			StatusCode: resp.StatusCode,
			Reason:     remote.Reason(resp),
			Header:     resp.Header.Clone(),
			Err:        fmt.Errorf("read body: %w", err),
		}
	}

	result, err := p.checkResult(resp.StatusCode, body)
	if err != nil {
		remote.LogFailure(p.logger, err)
		return nil, err
	}
	p.logger.Info().Int("count", result.Count).Interface("result", result.Body).Msg("result")
	return result, nil
}

func (p *Project) checkResult(status int, body []byte) (*ImportResult, error) {
	protocolErr := func(problem string, decoded any) error {
		return &remote.ProtocolError{
			Op:         opImport,
			URL:        p.url,
			StatusCode: status,
			Problem:    problem,
			Body:       body,
			Decoded:    decoded,
		}
	}

	if status != http.StatusOK {
		return nil, protocolErr(fmt.Sprintf("unexpected status %d", status), nil)
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, protocolErr("body is not JSON", nil)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, protocolErr("body is not a JSON object", decoded)
	}
	if _, ok := obj["error"]; ok {
		return nil, protocolErr("body has error", obj)
	}
	raw, ok := obj["count"]
	if !ok {
		return nil, protocolErr("body has no count", obj)
	}
	count, ok := asCount(raw)
	if !ok {
		return nil, protocolErr("count is not an integer", obj)
	}
	return &ImportResult{Count: count, Body: obj}, nil
}

// asCount accepts a JSON number or a numeric string holding an integer.
func asCount(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) || n < 0 {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil || i < 0 {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// logSending writes the form at info level with values cut to 15
// characters and the token hidden.
func (p *Project) logSending(fields []formField) {
	arr := zerolog.Arr()
	for _, f := range fields {
		v := "..."
		if f.key != "token" {
			v = f.value
			if len(v) > 15 {
				v = v[:15]
			}
		}
		arr = arr.Str(f.key + "=" + v)
	}
	p.logger.Info().Str("url", p.url).Array("form", arr).Msg("sending")
}

// logErrorBody pretty-prints a JSON error body, or logs it raw.
func (p *Project) logErrorBody(terr *remote.TransportError) {
	evt := p.logger.Error().
		Int("code", terr.StatusCode).
		Str("reason", terr.Reason).
		Interface("headers", terr.Header)
	var pretty bytes.Buffer
	if json.Indent(&pretty, terr.Body, "", "  ") == nil {
		evt = evt.Str("body", pretty.String())
	} else {
		evt = evt.Bytes("body", terr.Body)
	}
	evt.Msg("import failed")
}
