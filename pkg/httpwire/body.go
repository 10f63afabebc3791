package httpwire

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

// ErrBodyTooLarge is returned by a capped body once a read crosses the
// configured limit.
var ErrBodyTooLarge = errors.New("httpwire: request body too large")

// maxBytesBody fails reads past a byte cap. A declared Content-Length
// is checked before the handler runs; this wrapper also catches
// chunked bodies, which declare no length.
type maxBytesBody struct {
	inner   io.ReadCloser
	remain  int64
	tripped bool
}

// MaxBytesReader caps the bytes readable from body at limit; reading
// past it yields ErrBodyTooLarge.
func MaxBytesReader(body io.ReadCloser, limit int64) io.ReadCloser {
	return &maxBytesBody{inner: body, remain: limit}
}

func (m *maxBytesBody) Read(p []byte) (int, error) {
	if m.tripped {
		return 0, ErrBodyTooLarge
	}
	if m.remain <= 0 {
		// Read one byte ahead so a body ending exactly at the cap
		// still reaches EOF.
		var one [1]byte
		n, err := m.inner.Read(one[:])
		if n > 0 {
			m.tripped = true
			return 0, ErrBodyTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > m.remain {
		p = p[:m.remain]
	}
	n, err := m.inner.Read(p)
	m.remain -= int64(n)
	return n, err
}

func (m *maxBytesBody) Close() error {
	if m.tripped {
		return ErrBodyTooLarge
	}
	// Drain through the cap; an oversized unread body poisons the
	// connection instead of being slurped without bound.
	if _, err := io.Copy(io.Discard, m); err != nil {
		return err
	}
	return m.inner.Close()
}

// emptyBody is the reader for bodyless requests.
type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error             { return nil }

// limitedBody reads exactly a declared Content-Length from the
// connection. Close drains what the handler did not consume so the
// connection can be reused.
type limitedBody struct {
	lr *io.LimitedReader
}

func newLimitedBody(br *bufio.Reader, n int64) *limitedBody {
	return &limitedBody{lr: &io.LimitedReader{R: br, N: n}}
}

func (b *limitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

// Remaining returns the number of declared body bytes not yet consumed.
func (b *limitedBody) Remaining() int64 { return b.lr.N }

func (b *limitedBody) Close() error {
	if b.lr.N <= 0 {
		return nil
	}
	_, err := io.Copy(io.Discard, b.lr)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil
	}
	return err
}

// chunkedBody decodes Transfer-Encoding: chunked incrementally.
type chunkedBody struct {
	br       *bufio.Reader
	remain   int64
	finished bool
	maxLine  int
}

func newChunkedBody(br *bufio.Reader, maxLine int) *chunkedBody {
	return &chunkedBody{br: br, remain: -1, maxLine: maxLine}
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	if c.finished {
		return 0, io.EOF
	}
	if c.remain <= 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.readTrailers(); err != nil {
				return 0, err
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = size
	}
	if len(p) == 0 {
		return 0, nil
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := io.ReadFull(c.br, p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, err
	}
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *chunkedBody) Close() error {
	buf := make([]byte, 1024)
	for !c.finished {
		if _, err := c.Read(buf); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

func (c *chunkedBody) readChunkSize() (int64, error) {
	line, err := readLineLimit(c.br, c.maxLine)
	if err != nil {
		return 0, err
	}
	// Strip chunk extensions: "<hex>;<ext>".
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, ErrChunkFormat
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, ErrChunkFormat
	}
	return n, nil
}

func (c *chunkedBody) expectCRLF() error {
	b1, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	b2, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return ErrChunkFormat
	}
	return nil
}

func (c *chunkedBody) readTrailers() error {
	for {
		line, err := readLineLimit(c.br, c.maxLine)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// continueBody wraps a body so an interim 100 Continue is written just
// before the first read, per Expect: 100-continue semantics.
type continueBody struct {
	io.ReadCloser
	send func()
	sent bool
}

func (c *continueBody) Read(p []byte) (int, error) {
	if !c.sent {
		c.sent = true
		c.send()
	}
	return c.ReadCloser.Read(p)
}
