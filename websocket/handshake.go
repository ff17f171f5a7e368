package websocket

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// WebSocket protocol constants per RFC 6455.
const (
	// websocketGUID is the globally unique identifier for WebSocket handshake
	// per RFC 6455, section 4.2.2, item 5.4.
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// websocketVersion is the WebSocket protocol version per RFC 6455, section 4.2.1, item 6.
	websocketVersion = "13"

	defaultMaxHandshakeSize = 16 << 10
)

// Handshake errors.
var (
	ErrBadHandshake       = errors.New("websocket: bad handshake")
	ErrHandshakeTooLarge  = errors.New("websocket: handshake request too large")
	ErrUnsupportedVersion = errors.New("websocket: unsupported version")
	ErrOriginNotAllowed   = errors.New("websocket: origin not allowed")
	ErrMissingKey         = errors.New("websocket: missing or invalid Sec-WebSocket-Key")
	ErrMethodNotAllowed   = errors.New("websocket: method not allowed")
	ErrHandshakeRejected  = errors.New("websocket: handshake rejected")
)

// HandshakeError is a failed upgrade together with the HTTP status returned
// to the peer.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Upgrader specifies parameters for negotiating the server-side opening
// handshake (RFC 6455, section 4.2) over a raw byte stream.
type Upgrader struct {
	// Subprotocols specifies the server's supported protocols in order of preference.
	Subprotocols []string

	// CheckOrigin returns true if the request Origin header is acceptable.
	// When nil, cross-origin requests are rejected.
	CheckOrigin func(r *http.Request) bool

	// MaxHandshakeSize bounds the request header block in bytes.
	// Defaults to 16 KiB.
	MaxHandshakeSize int

	// ResponseHeader is appended to every 101 response.
	ResponseHeader http.Header
}

// Handshake is a successfully negotiated upgrade.
type Handshake struct {
	Request     *http.Request
	Subprotocol string

	// Response holds the encoded "101 Switching Protocols" response.
	Response []byte
}

func (u *Upgrader) maxHandshakeSize() int {
	if u.MaxHandshakeSize > 0 {
		return u.MaxHandshakeSize
	}
	return defaultMaxHandshakeSize
}

// ReadRequest parses the HTTP request header block at the start of b and
// returns the request with the number of bytes it occupied. It returns
// ErrIncomplete until the blank line terminating the headers arrives.
func (u *Upgrader) ReadRequest(b []byte) (*http.Request, int, error) {
	end := bytes.Index(b, []byte("\r\n\r\n"))
	if end < 0 {
		if len(b) > u.maxHandshakeSize() {
			return nil, 0, &HandshakeError{Status: http.StatusRequestHeaderFieldsTooLarge, Err: ErrHandshakeTooLarge}
		}
		return nil, 0, ErrIncomplete
	}

	n := end + 4
	if n > u.maxHandshakeSize() {
		return nil, 0, &HandshakeError{Status: http.StatusRequestHeaderFieldsTooLarge, Err: ErrHandshakeTooLarge}
	}

	r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(b[:n])))
	if err != nil {
		return nil, 0, &HandshakeError{Status: http.StatusBadRequest, Err: errors.Join(ErrBadHandshake, err)}
	}

	return r, n, nil
}

func (u *Upgrader) selectSubprotocol(r *http.Request) string {
	clientProtocols := Subprotocols(r)
	for _, serverProtocol := range u.Subprotocols {
		if slices.Contains(clientProtocols, serverProtocol) {
			return serverProtocol
		}
	}
	return ""
}

// Negotiate validates an upgrade request per RFC 6455, section 4.2.1 and
// builds the server response per section 4.2.2.
func (u *Upgrader) Negotiate(r *http.Request) (*Handshake, error) {
	if !IsWebSocketUpgrade(r) {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Err: ErrBadHandshake}
	}

	if r.Method != http.MethodGet {
		return nil, &HandshakeError{Status: http.StatusMethodNotAllowed, Err: ErrMethodNotAllowed}
	}

	if !strings.EqualFold(r.Header.Get("Sec-WebSocket-Version"), websocketVersion) {
		return nil, &HandshakeError{Status: http.StatusUpgradeRequired, Err: ErrUnsupportedVersion}
	}

	checkOrigin := u.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		return nil, &HandshakeError{Status: http.StatusForbidden, Err: ErrOriginNotAllowed}
	}

	challengeKey := r.Header.Get("Sec-WebSocket-Key")
	if !isValidChallengeKey(challengeKey) {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Err: ErrMissingKey}
	}

	subprotocol := u.selectSubprotocol(r)

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: ")
	buf.WriteString(computeAcceptKey(challengeKey))
	buf.WriteString("\r\n")

	if subprotocol != "" {
		buf.WriteString("Sec-WebSocket-Protocol: ")
		buf.WriteString(subprotocol)
		buf.WriteString("\r\n")
	}

	for k, vs := range u.ResponseHeader {
		for _, v := range vs {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}

	buf.WriteString("\r\n")

	return &Handshake{
		Request:     r,
		Subprotocol: subprotocol,
		Response:    buf.Bytes(),
	}, nil
}

// RejectResponse encodes a minimal HTTP error response for a failed upgrade.
func RejectResponse(status int, reason error) []byte {
	text := http.StatusText(status)
	if text == "" {
		status = http.StatusBadRequest
		text = http.StatusText(status)
	}

	body := text
	if reason != nil {
		body = reason.Error()
	}

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(status))
	buf.WriteString(" ")
	buf.WriteString(text)
	buf.WriteString("\r\n")
	if status == http.StatusUpgradeRequired {
		buf.WriteString("Sec-WebSocket-Version: " + websocketVersion + "\r\n")
	}
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Length: ")
	buf.WriteString(strconv.Itoa(len(body) + 1))
	buf.WriteString("\r\nConnection: close\r\n\r\n")
	buf.WriteString(body)
	buf.WriteString("\n")

	return buf.Bytes()
}

// computeAcceptKey computes the Sec-WebSocket-Accept value per RFC 6455, section 4.2.2, item 5.4.
// The accept key is the base64-encoded SHA-1 hash of the challenge key concatenated with the GUID.
func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// isValidChallengeKey checks the key is a base64-encoded 16-byte nonce
// (RFC 6455, section 4.1).
func isValidChallengeKey(key string) bool {
	if key == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == 16
}

func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return equalASCIIFold(origin, "http://"+r.Host) || equalASCIIFold(origin, "https://"+r.Host)
}

// CheckOriginList returns a CheckOrigin function that accepts requests
// without an Origin header and requests whose origin is in allowed.
// A "*" entry accepts any origin.
func CheckOriginList(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || equalASCIIFold(origin, a) {
				return true
			}
		}
		return false
	}
}

func equalASCIIFold(s, t string) bool {
	if len(s) != len(t) {
		return false
	}
	for i := 0; i < len(s); i++ {
		sr := s[i]
		tr := t[i]
		if sr >= 'A' && sr <= 'Z' {
			sr = sr + 'a' - 'A'
		}
		if tr >= 'A' && tr <= 'Z' {
			tr = tr + 'a' - 'A'
		}
		if sr != tr {
			return false
		}
	}
	return true
}

// Subprotocols returns the subprotocols requested by the client in the
// Sec-WebSocket-Protocol header per RFC 6455, section 11.3.4.
func Subprotocols(r *http.Request) []string {
	h := r.Header.Values("Sec-WebSocket-Protocol")
	if len(h) == 0 {
		return nil
	}
	var protocols []string
	for _, s := range h {
		for _, p := range strings.Split(s, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}

// IsWebSocketUpgrade returns true if the client sent a WebSocket upgrade request
// per RFC 6455, section 4.2.1, items 1 and 2.
func IsWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

// headerContainsToken checks if a header contains a specific token (case-insensitive).
// Tokens may be comma-separated (e.g., "Connection: keep-alive, Upgrade").
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if equalASCIIFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
