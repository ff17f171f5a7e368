package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/wss/server"
	"github.com/vitalvas/wss/transport"
)

const testTimeout = 2 * time.Second

type fixture struct {
	srv    *server.Server
	router http.Handler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	reg := prometheus.NewRegistry()
	srv := server.New(server.Config{
		Config: transport.Config{Address: "127.0.0.1:0"},
	}, nil, server.WithMetrics(reg), server.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		if srv.IsStarted() {
			srv.Stop()
		}
	})

	cfg.Gatherer = reg
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{srv: srv, router: NewRouter(srv, cfg)}
}

func (f *fixture) dial(t *testing.T) *gws.Conn {
	t.Helper()

	c, resp, err := gws.DefaultDialer.Dial("ws://"+f.srv.Addr().String()+"/", nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { c.Close() })

	require.Eventually(t, func() bool {
		for _, s := range f.srv.Sessions() {
			if !s.IsHandshaked() {
				return false
			}
		}
		return len(f.srv.Sessions()) > 0
	}, testTimeout, 10*time.Millisecond)

	return c
}

func (f *fixture) do(method, target, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{Token: "secret"})

	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-cache")

	require.NoError(t, f.srv.Stop())
	rec = f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{Token: "secret"})

	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"Missing", "", http.StatusUnauthorized},
		{"Wrong", "guess", http.StatusUnauthorized},
		{"Valid", "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/sessions", tt.token, nil)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusUnauthorized {
				assert.Equal(t, `Bearer realm="wssd"`, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRequestIDPropagated(t *testing.T) {
	f := newFixture(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodGet, "/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	f.dial(t)

	rec = f.do(http.MethodGet, "/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var sessions []SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "connected", sessions[0].State)
	assert.True(t, sessions[0].Handshaked)
	assert.NotEmpty(t, sessions[0].RemoteAddr)
	assert.Positive(t, sessions[0].BytesReceived)
}

type anonymousConn struct{ net.Conn }

func (anonymousConn) RemoteAddr() net.Addr { return nil }

func TestListSessionsWithoutRemoteAddr(t *testing.T) {
	f := newFixture(t, Config{})

	serverEnd, clientEnd := net.Pipe()
	defer clientEnd.Close()

	_, err := f.srv.Accept(anonymousConn{serverEnd})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Empty(t, sessions[0].RemoteAddr)
	assert.Equal(t, "connecting", sessions[0].State)
	assert.False(t, sessions[0].Handshaked)
}

func TestDisconnectSession(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t)
	id := f.srv.Sessions()[0].ID()

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/sessions/nope", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/sessions/"+uuid.NewString(), "", nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/sessions/"+id.String(), "", nil).Code)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
	_, _, err := c.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.ClosePolicyViolation), "unexpected error %v", err)
	assert.Nil(t, f.srv.FindSession(id))
}

func TestBroadcast(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t)

	rec := f.do(http.MethodPost, "/broadcast", "", []byte("hello"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"bytes":5}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/broadcast?type=binary", "", []byte{1, 2})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gws.TextMessage, mt)
	assert.Equal(t, []byte("hello"), data)

	mt, data, err = c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gws.BinaryMessage, mt)
	assert.Equal(t, []byte{1, 2}, data)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/broadcast", "", []byte{0xff}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/broadcast?type=xml", "", nil).Code)

	require.NoError(t, f.srv.Stop())
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/broadcast", "", []byte("x")).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/broadcast?type=binary", "", []byte("x")).Code)
}

func TestBroadcastBodyLimit(t *testing.T) {
	f := newFixture(t, Config{MaxBodySize: 4})

	rec := f.do(http.MethodPost, "/broadcast", "", []byte("too long"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCloseAll(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		code   int
		status int
		text   string
	}{
		{"Default", "", http.StatusAccepted, gws.CloseGoingAway, ""},
		{"Custom", `{"status":1000,"reason":"bye"}`, http.StatusAccepted, gws.CloseNormalClosure, "bye"},
		{"Reserved status", `{"status":1006}`, http.StatusBadRequest, 0, ""},
		{"Bad JSON", `{`, http.StatusBadRequest, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			c := f.dial(t)

			rec := f.do(http.MethodPost, "/close-all", "", []byte(tt.body))
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusAccepted {
				assert.Len(t, f.srv.Sessions(), 1)
				return
			}

			require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
			_, _, err := c.ReadMessage()

			var closeErr *gws.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, tt.status, closeErr.Code)
			assert.Equal(t, tt.text, closeErr.Text)
			assert.Empty(t, f.srv.Sessions())
			assert.True(t, f.srv.IsStarted())
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, Config{})
	f.dial(t)

	rec := f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "wss_connections_total 1"), rec.Body.String())

	noMetrics := NewRouter(f.srv, Config{})
	rec = httptest.NewRecorder()
	noMetrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecovery(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	h := requestID(recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, logs.String(), "panic=boom")
	assert.Contains(t, logs.String(), "request_id="+rec.Header().Get(requestIDHeader))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, constantTimeEqual("a", "a"))
	assert.False(t, constantTimeEqual("a", "ab"))
	assert.False(t, constantTimeEqual("", "a"))
}
