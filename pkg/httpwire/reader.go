package httpwire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// Protocol-level parse failures. All of them produce a 400 and close
// the connection without invoking any endpoint.
var (
	ErrMalformedRequestLine = errors.New("httpwire: malformed request line")
	ErrMalformedHeader      = errors.New("httpwire: malformed header field")
	ErrHeaderTooLarge       = errors.New("httpwire: header section too large")
	ErrUnsupportedProtocol  = errors.New("httpwire: unsupported protocol version")
	ErrBadContentLength     = errors.New("httpwire: invalid content length")
	ErrChunkFormat          = errors.New("httpwire: invalid chunk format")
)

// Request is one parsed inbound HTTP/1.1 message. The body is a
// pull-based reader; large uploads are never fully buffered here.
type Request struct {
	Method        string
	Target        string // raw request-target as received
	Proto         string
	Header        Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when chunked
	URL           *url.URL
	Peer          string

	// connReader is the connection's buffered reader, retained so a
	// protocol upgrade can take over the unparsed remainder.
	connReader *bufio.Reader
}

// Buffered returns the number of already-read, not yet parsed bytes
// sitting in the connection buffer.
func (r *Request) Buffered() int {
	if r.connReader == nil {
		return 0
	}
	return r.connReader.Buffered()
}

// RequestLine reconstructs the request line for logging.
func (r *Request) RequestLine() string {
	return r.Method + " " + r.Target + " " + r.Proto
}

// KeepAliveRequested reports whether the client allows connection reuse.
func (r *Request) KeepAliveRequested() bool {
	conn := r.Header.Get("Connection")
	if r.Proto == "HTTP/1.1" {
		return !tokenListContains(conn, "close")
	}
	return tokenListContains(conn, "keep-alive")
}

// UpgradeRequested returns the requested upgrade protocol, if any.
func (r *Request) UpgradeRequested() string {
	if tokenListContains(r.Header.Get("Connection"), "upgrade") {
		return r.Header.Get("Upgrade")
	}
	return ""
}

// ExpectsContinue reports whether the client sent Expect: 100-continue.
func (r *Request) ExpectsContinue() bool {
	return strings.EqualFold(r.Header.Get("Expect"), "100-continue")
}

// reader incrementally parses requests from a buffered connection.
type reader struct {
	br             *bufio.Reader
	maxHeaderBytes int
}

// readRequest parses one message head and prepares the body reader.
func (r *reader) readRequest() (*Request, error) {
	line, err := readLineLimit(r.br, r.maxHeaderBytes)
	if err != nil {
		return nil, err
	}
	method, target, proto, ok := parseRequestLine(line)
	if !ok {
		return nil, ErrMalformedRequestLine
	}
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, ErrUnsupportedProtocol
	}

	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}

	var body io.ReadCloser
	var cl int64
	switch {
	case tokenListContains(hdr.Get("Transfer-Encoding"), "chunked"):
		cl = -1
		body = newChunkedBody(r.br, r.maxHeaderBytes)
	case hdr.Get("Content-Length") != "":
		n, err := strconv.ParseInt(strings.TrimSpace(hdr.Get("Content-Length")), 10, 64)
		if err != nil || n < 0 {
			return nil, ErrBadContentLength
		}
		cl = n
		if n > 0 {
			body = newLimitedBody(r.br, n)
		} else {
			body = emptyBody{}
		}
	default:
		body = emptyBody{}
	}

	u, err := parseTarget(target, hdr.Get("Host"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequestLine, target)
	}

	return &Request{
		Method:        method,
		Target:        target,
		Proto:         proto,
		Header:        hdr,
		Body:          body,
		ContentLength: cl,
		URL:           u,
		connReader:    r.br,
	}, nil
}

func (r *reader) readHeaders() (Header, error) {
	h := make(Header)
	total := 0
	for {
		line, err := readLineLimit(r.br, r.maxHeaderBytes)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		total += len(line)
		if r.maxHeaderBytes > 0 && total > r.maxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, ErrMalformedHeader
		}
		key := strings.TrimSpace(line[:i])
		if key == "" || strings.ContainsAny(key, " \t") {
			return nil, ErrMalformedHeader
		}
		h.Add(key, strings.TrimSpace(line[i+1:]))
	}
}

func parseRequestLine(line string) (method, target, proto string, ok bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func parseTarget(target, host string) (*url.URL, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return url.Parse(target)
	}
	if target == "*" {
		return &url.URL{Path: "*", Host: host}, nil
	}
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, err
	}
	u.Host = host
	return u, nil
}

// readLineLimit reads one CRLF-terminated line, enforcing a size cap.
func readLineLimit(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return sb.String(), nil
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", ErrHeaderTooLarge
		}
	}
}
