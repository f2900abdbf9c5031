// Package authtransport builds pre-authenticated HTTP clients. Credentials
// are registered against a URI realm and attached as HTTP Basic auth to
// every request addressed to that URI or a path beneath it.
//
// The clients speak HTTP/1.1 only. Header names set with SetVerbatim reach
// the wire exactly as given, which some servers require even though HTTP
// header names are case-insensitive.
package authtransport

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Credentials is a Basic-auth username/password pair.
type Credentials struct {
	Username string
	Password string
}

// String redacts the password.
func (c Credentials) String() string {
	return c.Username + ":***"
}

// ---------------------------------------------------------------------------
// Realm table
// ---------------------------------------------------------------------------

type realm struct {
	scheme string
	host   string
	path   string
	creds  Credentials
}

// PasswordManager maps URI prefixes to credentials. The realm name a server
// announces is not consulted; only the request URL is.
type PasswordManager struct {
	mu     sync.RWMutex
	realms []realm
}

// NewPasswordManager creates an empty realm table.
func NewPasswordManager() *PasswordManager {
	return &PasswordManager{}
}

// Add registers creds for uri and every path beneath it. Adding the same
// URI again replaces its credentials.
func (p *PasswordManager) Add(uri string, creds Credentials) error {
	u, err := parseEndpoint(uri)
	if err != nil {
		return err
	}
	r := reduce(u)
	r.creds = creds

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.realms {
		if p.realms[i].scheme == r.scheme && p.realms[i].host == r.host && p.realms[i].path == r.path {
			p.realms[i].creds = creds
			return nil
		}
	}
	p.realms = append(p.realms, r)
	return nil
}

// Find returns the credentials of the longest registered URI that u falls
// under.
func (p *PasswordManager) Find(u *url.URL) (Credentials, bool) {
	if u == nil {
		return Credentials{}, false
	}
	target := reduce(u)

	p.mu.RLock()
	defer p.mu.RUnlock()
	best := -1
	for i, r := range p.realms {
		if r.scheme != target.scheme || r.host != target.host {
			continue
		}
		if !isSubPath(r.path, target.path) {
			continue
		}
		if best < 0 || len(r.path) > len(p.realms[best].path) {
			best = i
		}
	}
	if best < 0 {
		return Credentials{}, false
	}
	return p.realms[best].creds, true
}

// reduce normalises u to scheme, host:port and path so that
// https://Example.org/api and https://example.org:443/api compare equal.
func reduce(u *url.URL) realm {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	if port != "" {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return realm{scheme: scheme, host: host, path: path}
}

func isSubPath(base, test string) bool {
	if base == test {
		return true
	}
	prefix := base
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(test, prefix)
}

func parseEndpoint(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

type basicAuthTransport struct {
	base      http.RoundTripper
	passwords *PasswordManager
	logger    zerolog.Logger
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	creds, ok := t.passwords.Find(req.URL)
	if !ok {
		return t.base.RoundTrip(req)
	}
	if _, set := req.Header["Authorization"]; set {
		return t.base.RoundTrip(req)
	}

	// A RoundTripper must not modify the caller's request.
	r := req.Clone(req.Context())
	r.SetBasicAuth(creds.Username, creds.Password)
	t.logger.Debug().
		Str("url", req.URL.String()).
		Str("username", creds.Username).
		Msg("attaching basic auth")
	return t.base.RoundTrip(r)
}

// BaseTransport returns a clone of http.DefaultTransport with HTTP/2
// disabled. HTTP/2 lower-cases header names, so verbatim names need h1.
func BaseTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ForceAttemptHTTP2 = false
	t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	return t
}

// Option configures New.
type Option func(*options)

type options struct {
	base      http.RoundTripper
	timeout   time.Duration
	logger    zerolog.Logger
	passwords *PasswordManager
}

// WithBaseTransport replaces the HTTP/1.1 transport requests are sent on.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// WithTimeout sets the client timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger used for per-request debug lines.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPasswordManager shares a realm table between clients, so one client
// can authenticate against several endpoints.
func WithPasswordManager(p *PasswordManager) Option {
	return func(o *options) { o.passwords = p }
}

// New registers creds for endpointURL and returns a client that sends
// them to that URL and its sub-paths. It performs no network I/O.
func New(endpointURL string, creds Credentials, opts ...Option) (*http.Client, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.base == nil {
		o.base = BaseTransport()
	}
	if o.passwords == nil {
		o.passwords = NewPasswordManager()
	}
	if err := o.passwords.Add(endpointURL, creds); err != nil {
		return nil, fmt.Errorf("register credentials: %w", err)
	}

	return &http.Client{
		Transport: &basicAuthTransport{
			base:      o.base,
			passwords: o.passwords,
			logger:    o.logger,
		},
		Timeout: o.timeout,
	}, nil
}

// SetVerbatim stores value under name exactly as spelled, skipping the
// canonicalisation http.Header.Set applies. The HTTP/1.1 writer emits
// header keys as stored.
func SetVerbatim(h http.Header, name, value string) {
	for k := range h {
		if k != name && strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[name] = []string{value}
}
