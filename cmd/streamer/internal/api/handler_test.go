package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeffkershner/pulse/cmd/streamer/internal/api"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/auth"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/cache"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/controller"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/stream"
	"github.com/jeffkershner/pulse/cmd/streamer/internal/testutils"
	"github.com/jeffkershner/pulse/pkg/models"
)

type fixedStatus struct{ st stream.Status }

func (f fixedStatus) Status() stream.Status { return f.st }

type env struct {
	router  *gin.Engine
	quotes  *cache.QuoteCache
	session *testutils.MockSession
	ctrl    *controller.Controller
	creds   *auth.Credentials
	store   *auth.MemoryTokenStore
}

func setup(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &env{
		quotes:  cache.New(),
		session: &testutils.MockSession{},
		store:   auth.NewMemoryTokenStore(),
	}
	e.creds = auth.NewCredentials(e.store, zap.NewNop())
	e.ctrl = controller.New(e.session, e.creds, zap.NewNop())

	status := fixedStatus{st: stream.Status{State: stream.StateOpen, Generation: 3, Symbols: []string{"AAPL"}}}
	h := api.NewHandler(e.quotes, status, e.ctrl, e.creds, zap.NewNop())
	e.router = api.NewRouter(zap.NewNop())
	h.Register(e.router, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return e
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	e := setup(t)
	w := e.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"up"}`, w.Body.String())
}

func TestGetQuotes(t *testing.T) {
	e := setup(t)
	e.quotes.ApplySnapshot([]models.QuoteEntry{{Symbol: "AAPL", Price: 150}, {Symbol: "MSFT", Price: 300}})

	w := e.do(http.MethodGet, "/api/quotes?symbols=msft,nvda", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Quotes []models.Quote `json:"quotes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Quotes, 1)
	assert.Equal(t, "MSFT", body.Quotes[0].Symbol)
	assert.Nil(t, body.Quotes[0].PrevPrice)
}

func TestGetQuotes_DefaultsToDesiredSet(t *testing.T) {
	e := setup(t)
	e.quotes.ApplySnapshot([]models.QuoteEntry{{Symbol: "AAPL", Price: 150}, {Symbol: "MSFT", Price: 300}})
	e.ctrl.SetSource(controller.SourceDashboard, []string{"AAPL"})

	w := e.do(http.MethodGet, "/api/quotes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"AAPL"`)
	assert.NotContains(t, w.Body.String(), `"MSFT"`)
}

func TestGetQuote(t *testing.T) {
	e := setup(t)
	e.quotes.ApplySnapshot([]models.QuoteEntry{{Symbol: "BRK.B", Price: 410}})

	w := e.do(http.MethodGet, "/api/quotes/brk.b", "")
	require.Equal(t, http.StatusOK, w.Code)
	var q models.Quote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.Equal(t, 410.0, q.Price)

	w = e.do(http.MethodGet, "/api/quotes/ZZZZ", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStream(t *testing.T) {
	e := setup(t)
	w := e.do(http.MethodGet, "/api/stream", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Session struct {
			State      string `json:"state"`
			Generation uint64 `json:"generation"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "OPEN", body.Session.State)
	assert.Equal(t, uint64(3), body.Session.Generation)
}

func TestPutWatchlistAndPositions(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.creds.SetTokens(context.Background(), auth.Tokens{AccessToken: "t1"}))

	w := e.do(http.MethodPut, "/api/watchlist", `{"symbols":["nvda","aapl"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"AAPL", "NVDA"}, e.ctrl.Source(controller.SourceWatchlist))

	w = e.do(http.MethodPut, "/api/positions", `{"symbols":["TSLA"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"AAPL", "NVDA", "TSLA"}, e.ctrl.Desired())

	require.Equal(t, 2, e.session.StartCount())
	assert.Equal(t, "t1", e.session.Tokens[1])
}

func TestPutWatchlist_Invalid(t *testing.T) {
	e := setup(t)

	w := e.do(http.MethodPut, "/api/watchlist", `{"symbols":["AAPL","bad symbol!"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPut, "/api/watchlist", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, e.ctrl.Desired())
}

func TestCredentialsLoginAndLogout(t *testing.T) {
	e := setup(t)
	e.ctrl.SetSource(controller.SourceDashboard, []string{"SPY"})
	require.Equal(t, 1, e.session.StartCount())
	assert.Empty(t, e.session.Tokens[0], "no token yet")

	w := e.do(http.MethodPost, "/api/credentials", `{"access_token":"t1","refresh_token":"r1"}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, 2, e.session.StartCount())
	assert.Equal(t, "t1", e.session.Tokens[1])

	persisted, _ := e.store.Load(context.Background())
	assert.Equal(t, "r1", persisted.RefreshToken)

	stops := e.session.Stops
	w = e.do(http.MethodDelete, "/api/credentials", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, stops+1, e.session.Stops)
	assert.Empty(t, e.creds.AccessToken())
}

func TestPostCredentials_MissingToken(t *testing.T) {
	e := setup(t)
	w := e.do(http.MethodPost, "/api/credentials", `{"refresh_token":"r1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebsocketRouteMounted(t *testing.T) {
	e := setup(t)
	w := e.do(http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusTeapot, w.Code)
}
