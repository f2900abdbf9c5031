// Package stub serves local stand-ins for the REDCap import API and the
// DS-Connect survey status API. It keeps imported records in memory so
// refsync can be exercised end to end without reaching either service.
package stub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/kumc-bmi/refsync/internal/platform/authtransport"
	"github.com/kumc-bmi/refsync/internal/platform/dsconnect"
	"github.com/kumc-bmi/refsync/internal/platform/middleware"
	"github.com/kumc-bmi/refsync/internal/platform/refcode"
)

const (
	RedcapPath    = "/api/"
	GetStatusPath = "/component/api/survey/getstatus"
)

// Config holds the credentials the stub accepts.
type Config struct {
	RedcapToken string
	Survey      authtransport.Credentials
	APIKey      string
	// Statuses maps survey ids to the status string reported for them.
	// Unknown ids report "unknown".
	Statuses map[int]string
}

// Server is an echo application implementing both APIs.
type Server struct {
	cfg    Config
	echo   *echo.Echo
	logger zerolog.Logger

	mu      sync.Mutex
	records map[string]refcode.Record
	order   []string
	imports int
}

// New builds the stub with its routes and middleware.
func New(cfg Config, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		records: make(map[string]refcode.Record),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Audit(logger))

	e.POST(RedcapPath, s.handleImport)
	e.POST(GetStatusPath, s.handleGetStatus)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.echo = e
	return s
}

// Handler exposes the router, e.g. for httptest.NewServer.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting stub registry")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Records returns the imported records in import order.
func (s *Server) Records() []refcode.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]refcode.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// Imports returns how many import requests were accepted.
func (s *Server) Imports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imports
}

// ---------------------------------------------------------------------------
// REDCap import
// ---------------------------------------------------------------------------

func redcapError(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func (s *Server) handleImport(c echo.Context) error {
	c.Set("audit_action", "import")

	if c.FormValue("token") != s.cfg.RedcapToken || s.cfg.RedcapToken == "" {
		return redcapError(c, http.StatusForbidden, "You do not have permissions to use the API")
	}
	if c.FormValue("content") != "record" {
		return redcapError(c, http.StatusBadRequest, fmt.Sprintf("unsupported content %q", c.FormValue("content")))
	}
	if c.FormValue("format") != "json" {
		return redcapError(c, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", c.FormValue("format")))
	}

	var batch []refcode.Record
	if err := json.Unmarshal([]byte(c.FormValue("data")), &batch); err != nil {
		return redcapError(c, http.StatusBadRequest, "The data being imported is not formatted correctly")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reject the whole batch if any id is already taken. The error comes
	// back with 200, as some REDCap versions report record-level problems.
	seen := make(map[string]bool, len(batch))
	var dups []string
	for _, r := range batch {
		if r.RecordID == "" {
			return redcapError(c, http.StatusBadRequest, "record_id is required")
		}
		if _, ok := s.records[r.RecordID]; ok || seen[r.RecordID] {
			dups = append(dups, r.RecordID)
		}
		seen[r.RecordID] = true
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return c.JSON(http.StatusOK, map[string]any{
			"error": fmt.Sprintf("duplicate record_id: %v", dups),
			"count": 0,
		})
	}

	for _, r := range batch {
		s.records[r.RecordID] = r
		s.order = append(s.order, r.RecordID)
	}
	s.imports++
	return c.JSON(http.StatusOK, map[string]int{"count": len(batch)})
}

// ---------------------------------------------------------------------------
// DS-Connect getstatus
// ---------------------------------------------------------------------------

type statusRequest struct {
	Stids []int `json:"stids"`
}

type surveyStatus struct {
	Stid   int    `json:"stid"`
	Status string `json:"status"`
}

func (s *Server) handleGetStatus(c echo.Context) error {
	c.Set("audit_action", "getstatus")

	user, pass, ok := c.Request().BasicAuth()
	if !ok || user != s.cfg.Survey.Username || pass != s.cfg.Survey.Password {
		c.Response().Header().Set("WWW-Authenticate", `Basic realm="DS-Connect"`)
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	// Incoming header names are canonicalised by net/http, so only the
	// value can be checked here.
	if c.Request().Header.Get(dsconnect.HeaderAPIKey) != s.cfg.APIKey {
		return echo.NewHTTPError(http.StatusForbidden, "invalid API key")
	}

	var req statusRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be {\"stids\": [...]}")
	}

	out := make([]surveyStatus, 0, len(req.Stids))
	for _, id := range req.Stids {
		status, ok := s.cfg.Statuses[id]
		if !ok {
			status = "unknown"
		}
		out = append(out, surveyStatus{Stid: id, Status: status})
	}
	return c.JSON(http.StatusOK, out)
}
