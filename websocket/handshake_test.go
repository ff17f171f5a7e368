package websocket

import (
	"bufio"
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChallengeKey = "dGhlIHNhbXBsZSBub25jZQ=="

func upgradeRequest(extra ...string) string {
	lines := []string{
		"GET /chat HTTP/1.1",
		"Host: example.com",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: " + testChallengeKey,
		"Sec-WebSocket-Version: 13",
	}
	lines = append(lines, extra...)
	return strings.Join(lines, "\r\n") + "\r\n\r\n"
}

func TestComputeAcceptKey(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", computeAcceptKey(testChallengeKey))
}

func TestIsWebSocketUpgrade(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected bool
	}{
		{
			name: "Valid upgrade request",
			headers: map[string]string{
				"Connection": "upgrade",
				"Upgrade":    "websocket",
			},
			expected: true,
		},
		{
			name: "Case insensitive",
			headers: map[string]string{
				"Connection": "Upgrade",
				"Upgrade":    "WebSocket",
			},
			expected: true,
		},
		{
			name: "Token list",
			headers: map[string]string{
				"Connection": "keep-alive, Upgrade",
				"Upgrade":    "websocket",
			},
			expected: true,
		},
		{
			name: "Missing Connection header",
			headers: map[string]string{
				"Upgrade": "websocket",
			},
			expected: false,
		},
		{
			name: "Wrong Upgrade value",
			headers: map[string]string{
				"Connection": "upgrade",
				"Upgrade":    "h2c",
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, IsWebSocketUpgrade(r))
		})
	}
}

func TestSubprotocols(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected []string
	}{
		{"Single protocol", "chat", []string{"chat"}},
		{"Multiple protocols", "chat, superchat", []string{"chat", "superchat"}},
		{"Empty header", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Sec-WebSocket-Protocol", tt.header)
			}
			assert.Equal(t, tt.expected, Subprotocols(r))
		})
	}
}

func TestUpgraderReadRequest(t *testing.T) {
	u := &Upgrader{}

	t.Run("Incomplete", func(t *testing.T) {
		raw := upgradeRequest()
		_, n, err := u.ReadRequest([]byte(raw[:len(raw)-2]))
		assert.ErrorIs(t, err, ErrIncomplete)
		assert.Zero(t, n)
	})

	t.Run("Complete with trailing frame bytes", func(t *testing.T) {
		raw := upgradeRequest()
		data := append([]byte(raw), 0x81, 0x80)

		r, n, err := u.ReadRequest(data)
		require.NoError(t, err)
		assert.Equal(t, len(raw), n)
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, "example.com", r.Host)
	})

	t.Run("Too large", func(t *testing.T) {
		small := &Upgrader{MaxHandshakeSize: 32}
		_, _, err := small.ReadRequest(bytes.Repeat([]byte("a"), 64))

		var hsErr *HandshakeError
		require.ErrorAs(t, err, &hsErr)
		assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, hsErr.Status)
		assert.ErrorIs(t, err, ErrHandshakeTooLarge)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, _, err := u.ReadRequest([]byte("garbage\r\n\r\n"))
		assert.ErrorIs(t, err, ErrBadHandshake)
	})
}

func TestUpgraderNegotiate(t *testing.T) {
	parse := func(t *testing.T, raw string) *http.Request {
		t.Helper()
		r, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
		require.NoError(t, err)
		return r
	}

	t.Run("Success", func(t *testing.T) {
		u := &Upgrader{
			Subprotocols:   []string{"superchat", "chat"},
			ResponseHeader: http.Header{"X-Server": []string{"wss"}},
		}

		hs, err := u.Negotiate(parse(t, upgradeRequest("Sec-WebSocket-Protocol: chat, superchat")))
		require.NoError(t, err)

		resp := string(hs.Response)
		assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 101 Switching Protocols\r\n"))
		assert.Contains(t, resp, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
		assert.Contains(t, resp, "Sec-WebSocket-Protocol: superchat\r\n")
		assert.Contains(t, resp, "X-Server: wss\r\n")
		assert.True(t, strings.HasSuffix(resp, "\r\n\r\n"))
		assert.Equal(t, "superchat", hs.Subprotocol)
	})

	tests := []struct {
		name     string
		request  string
		upgrader *Upgrader
		status   int
		err      error
	}{
		{
			name:     "Not an upgrade",
			request:  "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
			upgrader: &Upgrader{},
			status:   http.StatusBadRequest,
			err:      ErrBadHandshake,
		},
		{
			name:     "Wrong method",
			request:  strings.Replace(upgradeRequest(), "GET", "POST", 1),
			upgrader: &Upgrader{},
			status:   http.StatusMethodNotAllowed,
			err:      ErrMethodNotAllowed,
		},
		{
			name:     "Unsupported version",
			request:  strings.Replace(upgradeRequest(), "Version: 13", "Version: 8", 1),
			upgrader: &Upgrader{},
			status:   http.StatusUpgradeRequired,
			err:      ErrUnsupportedVersion,
		},
		{
			name:     "Cross origin",
			request:  upgradeRequest("Origin: https://evil.example"),
			upgrader: &Upgrader{},
			status:   http.StatusForbidden,
			err:      ErrOriginNotAllowed,
		},
		{
			name:     "Invalid key",
			request:  strings.Replace(upgradeRequest(), testChallengeKey, "short", 1),
			upgrader: &Upgrader{},
			status:   http.StatusBadRequest,
			err:      ErrMissingKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs, err := tt.upgrader.Negotiate(parse(t, tt.request))
			assert.Nil(t, hs)
			assert.ErrorIs(t, err, tt.err)

			var hsErr *HandshakeError
			require.True(t, errors.As(err, &hsErr))
			assert.Equal(t, tt.status, hsErr.Status)
		})
	}
}

func TestCheckOriginList(t *testing.T) {
	check := CheckOriginList([]string{"https://app.example"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://APP.example")
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://other.example")
	assert.False(t, check(r))

	assert.True(t, CheckOriginList([]string{"*"})(r))
}

func TestRejectResponse(t *testing.T) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(RejectResponse(http.StatusUpgradeRequired, ErrUnsupportedVersion))), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.Equal(t, "13", resp.Header.Get("Sec-WebSocket-Version"))
	assert.Equal(t, int64(len(ErrUnsupportedVersion.Error())+1), resp.ContentLength)
}

func BenchmarkComputeAcceptKey(b *testing.B) {
	for b.Loop() {
		_ = computeAcceptKey(testChallengeKey)
	}
}

func BenchmarkIsWebSocketUpgrade(b *testing.B) {
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Connection", "keep-alive, Upgrade")
	r.Header.Set("Upgrade", "websocket")

	for b.Loop() {
		_ = IsWebSocketUpgrade(r)
	}
}
