package stub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumc-bmi/refsync/internal/platform/authtransport"
	"github.com/kumc-bmi/refsync/internal/platform/dsconnect"
	"github.com/kumc-bmi/refsync/internal/platform/redcap"
	"github.com/kumc-bmi/refsync/internal/platform/refcode"
	"github.com/kumc-bmi/refsync/internal/platform/remote"
)

var testCfg = Config{
	RedcapToken: "tok",
	Survey:      authtransport.Credentials{Username: "user123", Password: "pw"},
	APIKey:      "key",
	Statuses:    map[int]string{91: "complete"},
}

func newStub(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(testCfg, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestImport_Accepts(t *testing.T) {
	s, srv := newStub(t)
	batch, err := refcode.Generate(2, 3)
	require.NoError(t, err)

	p := redcap.NewProject(srv.Client(), srv.URL+RedcapPath, "tok")
	result, err := p.ImportRecords(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Count)
	assert.Equal(t, batch, s.Records())
	assert.Equal(t, 1, s.Imports())
}

func TestImport_DuplicateIsProtocolFailure(t *testing.T) {
	s, srv := newStub(t)
	batch, err := refcode.Generate(1, 2)
	require.NoError(t, err)

	p := redcap.NewProject(srv.Client(), srv.URL+RedcapPath, "tok")
	_, err = p.ImportRecords(context.Background(), batch)
	require.NoError(t, err)

	_, err = p.ImportRecords(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrProtocol), "expected protocol failure, got %v", err)

	var pe *remote.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, string(pe.Body), "SA-0000")
	assert.Len(t, s.Records(), 2)
	assert.Equal(t, 1, s.Imports())
}

func TestImport_BadToken(t *testing.T) {
	_, srv := newStub(t)
	p := redcap.NewProject(srv.Client(), srv.URL+RedcapPath, "wrong")

	_, err := p.ImportRecords(context.Background(), []refcode.Record{{RecordID: "SA-0000", DataAccessGroup: "sa"}})
	var te *remote.TransportError
	require.True(t, errors.As(err, &te), "expected transport failure, got %v", err)
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
	assert.Contains(t, string(te.Body), "permissions")
}

func TestGetStatus_RoundTrip(t *testing.T) {
	_, srv := newStub(t)
	endpoint := srv.URL + GetStatusPath
	client, err := dsconnect.BasicClient(endpoint, testCfg.Survey)
	require.NoError(t, err)

	survey := dsconnect.NewSurvey(client, "key", dsconnect.WithURL(endpoint))
	result, err := survey.GetStatus(context.Background(), dsconnect.TestStids)
	require.NoError(t, err)
	require.Len(t, result, 2)

	var first, second surveyStatus
	require.NoError(t, json.Unmarshal(result[0], &first))
	require.NoError(t, json.Unmarshal(result[1], &second))
	assert.Equal(t, surveyStatus{Stid: 91, Status: "complete"}, first)
	assert.Equal(t, surveyStatus{Stid: 90, Status: "unknown"}, second)
}

func TestGetStatus_Rejections(t *testing.T) {
	_, srv := newStub(t)
	endpoint := srv.URL + GetStatusPath

	tests := []struct {
		name   string
		creds  authtransport.Credentials
		key    string
		status int
	}{
		{"wrong password", authtransport.Credentials{Username: "user123", Password: "nope"}, "key", http.StatusUnauthorized},
		{"wrong key", testCfg.Survey, "nope", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := dsconnect.BasicClient(endpoint, tt.creds)
			require.NoError(t, err)
			_, err = dsconnect.NewSurvey(client, tt.key, dsconnect.WithURL(endpoint)).
				GetStatus(context.Background(), []int{91})

			var te *remote.TransportError
			require.True(t, errors.As(err, &te), "expected transport failure, got %v", err)
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, http.StatusText(tt.status), te.Reason)
		})
	}
}

func TestHealth(t *testing.T) {
	_, srv := newStub(t)
	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
