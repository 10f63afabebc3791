package httpwire

import (
	"bufio"
	"io"
	"net"
	"time"
)

// BodyProducer yields response body chunks. Returning io.EOF (with or
// without a final chunk) ends the stream. The connection handler writes
// and flushes each chunk as it is produced.
type BodyProducer interface {
	NextChunk() ([]byte, error)
}

// BodyProducerFunc adapts a function to BodyProducer.
type BodyProducerFunc func() ([]byte, error)

// NextChunk implements BodyProducer.
func (f BodyProducerFunc) NextChunk() ([]byte, error) { return f() }

// readerProducer adapts an io.Reader into a BodyProducer.
type readerProducer struct {
	r   io.Reader
	buf []byte
}

// ProducerFromReader streams r in fixed-size chunks.
func ProducerFromReader(r io.Reader) BodyProducer {
	return &readerProducer{r: r, buf: make([]byte, 32<<10)}
}

func (p *readerProducer) NextChunk() ([]byte, error) {
	n, err := p.r.Read(p.buf)
	if n > 0 {
		return p.buf[:n], err
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// ExchangeStats carries per-request accounting for the access log:
// database-like operation count and cumulative time spent in them.
type ExchangeStats struct {
	DBOps  int
	DBTime time.Duration
}

// UpgradeFunc takes over the raw connection after a successful protocol
// upgrade response. rw wraps the connection and still holds any bytes
// read past the current message.
type UpgradeFunc func(conn net.Conn, rw *bufio.ReadWriter)

// Response is a fully specified outbound message. Exactly one of Body
// and Stream should be set; a Stream without ContentLength is sent with
// chunked transfer encoding.
type Response struct {
	Status        int
	Header        Header
	Body          []byte
	Stream        BodyProducer
	ContentLength int64 // -1 = unknown (chunked); ignored when Body is set
	Close         bool  // force Connection: close
	Upgrade       UpgradeFunc
	Stats         ExchangeStats
}

// Abort carries a literal response up the error return path. It is
// reserved for the few legitimate dispatch short-circuits, such as a
// CORS preflight answer or a pre-baked redirect.
type Abort struct {
	Response *Response
}

func (a *Abort) Error() string {
	return "aborted with status " + StatusText(a.Response.Status)
}

// AbortWith wraps resp in an Abort error.
func AbortWith(resp *Response) *Abort {
	return &Abort{Response: resp}
}

// NewResponse creates an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(Header), ContentLength: -1}
}

// WithBody sets a small in-memory body and its length.
func (r *Response) WithBody(contentType string, body []byte) *Response {
	r.Header.Set("Content-Type", contentType)
	r.Body = body
	r.ContentLength = int64(len(body))
	return r
}

// SetCookie appends a Set-Cookie header.
func (r *Response) SetCookie(cookie string) {
	r.Header.Add("Set-Cookie", cookie)
}

// StatusText returns the reason phrase for the handled status codes.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Content Too Large"
	case 415:
		return "Unsupported Media Type"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	default:
		return "Status"
	}
}
