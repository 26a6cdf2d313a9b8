package websocket

import (
	"bufio"
	"bytes"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"errors"
	"maps"
	"slices"
	"strings"
)

// Magic GUID from RFC 6455 Section 1.3.
// Used for computing Sec-WebSocket-Accept header.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	headerUpgrade = "Upgrade"
	headerSecKey  = "Sec-WebSocket-Key"
)

// HandshakeRequest is the parsed opening handshake of a client.
//
// Headers keeps names exactly as received. When a header repeats, the last
// value wins.
type HandshakeRequest struct {
	RequestLine string
	Method      string
	Path        string
	Proto       string
	Headers     map[string]string

	// names lists header names in the order they were first received.
	names []string
}

// Header returns the value of the named header. An exact match is preferred;
// otherwise names are compared case-insensitively, as HTTP field names are,
// and the first such header received wins.
func (r *HandshakeRequest) Header(name string) (string, bool) {
	if v, ok := r.Headers[name]; ok {
		return v, true
	}

	names := r.names
	if names == nil {
		names = slices.Sorted(maps.Keys(r.Headers))
	}
	for _, k := range names {
		if strings.EqualFold(k, name) {
			return r.Headers[k], true
		}
	}
	return "", false
}

// ParseRequest parses the head of an HTTP upgrade request.
//
// The bytes are split on CRLF. The first line is the request line and its
// second space-delimited token is the request path. Each following line up
// to the first empty one is split once on ": " into name and value.
//
// Returns *MalformedRequestError when there is no request line, the request
// line has no path token, or a header line lacks the separator.
func ParseRequest(raw []byte) (*HandshakeRequest, error) {
	lines := strings.Split(string(raw), "\r\n")
	if len(lines) < 2 {
		return nil, &MalformedRequestError{Reason: "no header section"}
	}

	requestLine := lines[0]
	tokens := strings.Split(requestLine, " ")
	if len(tokens) < 2 || tokens[1] == "" {
		return nil, &MalformedRequestError{Reason: "invalid request line " + quote(requestLine)}
	}

	req := &HandshakeRequest{
		RequestLine: requestLine,
		Method:      tokens[0],
		Path:        tokens[1],
		Headers:     make(map[string]string, len(lines)-1),
	}
	if len(tokens) > 2 {
		req.Proto = tokens[2]
	}

	for _, line := range lines[1:] {
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, &MalformedRequestError{Reason: "header line without separator " + quote(line)}
		}
		if _, seen := req.Headers[name]; !seen {
			req.names = append(req.names, name)
		}
		req.Headers[name] = value
	}

	return req, nil
}

// Validate checks the upgrade fields and returns the client's key.
//
// Upgrade must equal "websocket" (the value is compared case-sensitively)
// and Sec-WebSocket-Key must be present and non-empty. Failures are returned
// as *HandshakeError naming the offending header.
func (r *HandshakeRequest) Validate() (string, error) {
	if v, _ := r.Header(headerUpgrade); v != "websocket" {
		return "", &HandshakeError{Field: headerUpgrade, Err: ErrMissingUpgrade}
	}

	key, _ := r.Header(headerSecKey)
	if key == "" {
		return "", &HandshakeError{Field: headerSecKey, Err: ErrMissingSecKey}
	}

	return key, nil
}

// AcceptKey computes Sec-WebSocket-Accept from the client key.
//
// RFC 6455 Section 1.3:
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
//
// Example:
//
//	AcceptKey("dGhlIHNhbXBsZSBub25jZQ==") // "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func AcceptKey(secKey string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(secKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// RenderSuccess renders the 101 Switching Protocols response.
func RenderSuccess(accept string) []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		"\r\n")
}

// RenderRejection renders the 400 Bad Request response sent on any
// handshake failure. It has no body.
func RenderRejection() []byte {
	return []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
}

// readRequestHead reads from br up to and including the empty line that ends
// the request head, never accumulating more than limit bytes. Bytes after the
// head stay buffered in br for the frame reader.
func readRequestHead(br *bufio.Reader, limit int) ([]byte, error) {
	var (
		head        []byte
		atLineStart = true
	)

	for {
		line, err := br.ReadSlice('\n')
		head = append(head, line...)
		if len(head) > limit {
			return nil, ErrHandshakeTooLarge
		}

		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				atLineStart = false
				continue
			}
			return nil, err
		}

		if atLineStart && (bytes.Equal(line, []byte("\r\n")) || bytes.Equal(line, []byte("\n"))) {
			return head, nil
		}
		atLineStart = true
	}
}

func quote(s string) string {
	const maxQuoted = 64
	if len(s) > maxQuoted {
		s = s[:maxQuoted] + "..."
	}
	return `"` + s + `"`
}
