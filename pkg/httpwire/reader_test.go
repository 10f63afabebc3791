package httpwire

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseRaw(t *testing.T, raw string) (*Request, error) {
	t.Helper()
	r := &reader{br: bufio.NewReader(strings.NewReader(raw)), maxHeaderBytes: 8 << 10}
	return r.readRequest()
}

func TestReadRequest_Basic(t *testing.T) {
	req, err := parseRaw(t, "GET /a/b?x=1&y=2 HTTP/1.1\r\nHost: example.test\r\nAccept: */*\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/a/b", req.URL.Path)
	assert.Equal(t, "x=1&y=2", req.URL.RawQuery)
	assert.Equal(t, "example.test", req.Header.Get("Host"))
	assert.Equal(t, int64(0), req.ContentLength)
	assert.Equal(t, "GET /a/b?x=1&y=2 HTTP/1.1", req.RequestLine())
}

func TestReadRequest_HeaderFolding(t *testing.T) {
	req, err := parseRaw(t, "GET / HTTP/1.1\r\ncookie: a=1\r\nCOOKIE: b=2\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "b=2"}, req.Header["Cookie"])
}

func TestReadRequest_ContentLengthBody(t *testing.T) {
	req, err := parseRaw(t, "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhellorest")
	require.NoError(t, err)
	assert.Equal(t, int64(5), req.ContentLength)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestReadRequest_ChunkedBody(t *testing.T) {
	req, err := parseRaw(t, "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"3;ext=1\r\nabc\r\n2\r\nde\r\n0\r\nX-Trailer: v\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), req.ContentLength)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(body))
}

func TestReadRequest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"missing parts", "GET /\r\n\r\n", ErrMalformedRequestLine},
		{"bad proto", "GET / SPDY/3\r\n\r\n", ErrUnsupportedProtocol},
		{"header no colon", "GET / HTTP/1.1\r\nBadHeader\r\n\r\n", ErrMalformedHeader},
		{"space in field name", "GET / HTTP/1.1\r\nBad Header: v\r\n\r\n", ErrMalformedHeader},
		{"negative length", "POST / HTTP/1.1\r\nContent-Length: -3\r\n\r\n", ErrBadContentLength},
		{"junk length", "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n", ErrBadContentLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRaw(t, tt.raw)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReadRequest_HeaderTooLarge(t *testing.T) {
	r := &reader{
		br:             bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nBig: " + strings.Repeat("a", 2048) + "\r\n\r\n")),
		maxHeaderBytes: 256,
	}
	_, err := r.readRequest()
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadRequest_BodyCloseDrains(t *testing.T) {
	raw := "POST /a HTTP/1.1\r\nContent-Length: 5\r\n\r\nhelloGET /b HTTP/1.1\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	r := &reader{br: br, maxHeaderBytes: 8 << 10}

	first, err := r.readRequest()
	require.NoError(t, err)
	// Handler never reads the body; Close must drain it.
	require.NoError(t, first.Body.Close())

	second, err := r.readRequest()
	require.NoError(t, err)
	assert.Equal(t, "/b", second.URL.Path)
}

func TestRequest_ConnectionSemantics(t *testing.T) {
	req, err := parseRaw(t, "GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	assert.True(t, req.KeepAliveRequested())

	req, err = parseRaw(t, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	assert.False(t, req.KeepAliveRequested())

	req, err = parseRaw(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	require.NoError(t, err)
	assert.True(t, req.KeepAliveRequested())

	req, err = parseRaw(t, "GET / HTTP/1.1\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "websocket", req.UpgradeRequested())

	req, err = parseRaw(t, "POST / HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, err)
	assert.True(t, req.ExpectsContinue())
}
