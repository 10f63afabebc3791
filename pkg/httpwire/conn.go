package httpwire

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/txn2/gatehouse/pkg/metrics"
	"github.com/txn2/gatehouse/pkg/ratelimit"
)

// Handler produces a response for one parsed request. Errors never
// cross this boundary; failures must be rendered into the response.
type Handler interface {
	Handle(ctx context.Context, r *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, r *Request) *Response

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, r *Request) *Response { return f(ctx, r) }

// Server terminates HTTP/1.1 connections, one goroutine per connection.
// Per-connection request/response ordering is strict; there is no
// cross-connection ordering guarantee.
type Server struct {
	Addr    string
	Handler Handler

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Limiter *ratelimit.PeerLimiter
}

// ListenAndServe listens on s.Addr and serves until the listener fails
// or ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.serveConn(ctx, c)
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) headerLimit() int {
	if s.MaxHeaderBytes <= 0 {
		return 16 << 10
	}
	return s.MaxHeaderBytes
}

// serveConn owns exactly one connection for its lifetime.
func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	defer c.Close()

	peer := c.RemoteAddr().String()
	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)
	rr := &reader{br: br, maxHeaderBytes: s.headerLimit()}

	for {
		if s.ReadHeaderTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.ReadHeaderTimeout))
		}

		req, err := rr.readRequest()
		if err != nil {
			if err != io.EOF && !isTimeout(err) {
				s.logger().Debug("rejecting malformed request", "peer", peer, "error", err)
				s.writeError(bw, 400)
			}
			return
		}
		req.Peer = peer
		start := time.Now()

		// Headers are in; the body read gets its own deadline.
		if s.ReadTimeout > 0 {
			_ = c.SetReadDeadline(start.Add(s.ReadTimeout))
		}

		if !s.Limiter.Allow(peerHost(peer), start) {
			s.writeError(bw, 429)
			return
		}
		if s.MaxBodyBytes > 0 {
			if req.ContentLength > s.MaxBodyBytes {
				s.writeError(bw, 413)
				return
			}
			// Chunked bodies declare no length; cap them at read time.
			req.Body = MaxBytesReader(req.Body, s.MaxBodyBytes)
		}

		if req.ExpectsContinue() {
			req.Body = &continueBody{
				ReadCloser: req.Body,
				send:       func() { _ = writeContinue(bw) },
			}
		}

		resp := s.Handler.Handle(ctx, req)
		if resp == nil {
			resp = NewResponse(500)
		}

		// Drain whatever the handler left unread so the connection
		// can carry the next message.
		if err := req.Body.Close(); err != nil {
			resp.Close = true
		}

		if s.WriteTimeout > 0 {
			_ = c.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
		}
		keepAlive, consumed, bodySize := s.writeResponse(c, bw, req, resp)
		s.logExchange(peer, req, resp, bodySize, time.Since(start))
		s.Metrics.ObserveRequest(resp.Status, time.Since(start).Seconds())
		if consumed {
			return
		}
		if !keepAlive {
			return
		}

		if s.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		} else {
			_ = c.SetReadDeadline(time.Time{})
		}
	}
}

// writeResponse serializes resp. It returns whether the connection may
// be reused, whether it was consumed by an upgrade, and the body size
// ("stream" is represented as -1).
func (s *Server) writeResponse(c net.Conn, bw *bufio.Writer, req *Request, resp *Response) (keepAlive, consumed bool, bodySize int64) {
	keepAlive = req.KeepAliveRequested() && !resp.Close

	suppressBody := req.Method == "HEAD" ||
		resp.Status == 204 || resp.Status == 304 ||
		(resp.Status >= 100 && resp.Status < 200)

	// Protocol upgrade: write the head, then hand the raw socket (and
	// any already-buffered bytes) to the upgrade function.
	if resp.Upgrade != nil && resp.Status == 101 {
		if err := startResponse(bw, resp.Status, resp.Header, -1, false, "upgrade"); err != nil {
			return false, true, 0
		}
		if err := bw.Flush(); err != nil {
			return false, true, 0
		}
		_ = c.SetReadDeadline(time.Time{})
		_ = c.SetWriteDeadline(time.Time{})
		// The buffered reader still holds any bytes read past the
		// current message; the upgraded sub-protocol must consume
		// from it before touching the raw socket.
		resp.Upgrade(c, bufio.NewReadWriter(req.connReader, bw))
		return false, true, 0
	}

	switch {
	case suppressBody:
		cl := resp.ContentLength
		if resp.Body != nil {
			cl = int64(len(resp.Body))
		}
		if cl < 0 {
			cl = 0
		}
		if err := startResponse(bw, resp.Status, resp.Header, cl, false, connToken(keepAlive)); err != nil {
			return false, false, 0
		}

	case resp.Stream == nil:
		if err := startResponse(bw, resp.Status, resp.Header, int64(len(resp.Body)), false, connToken(keepAlive)); err != nil {
			return false, false, 0
		}
		if len(resp.Body) > 0 {
			if _, err := bw.Write(resp.Body); err != nil {
				return false, false, 0
			}
		}
		bodySize = int64(len(resp.Body))

	case resp.ContentLength >= 0:
		if err := startResponse(bw, resp.Status, resp.Header, resp.ContentLength, false, connToken(keepAlive)); err != nil {
			return false, false, 0
		}
		n, ok := s.copyStream(bw, resp.Stream, false)
		if !ok || n != resp.ContentLength {
			return false, false, n
		}
		bodySize = n

	default:
		// Unknown length: chunked, each chunk flushed as produced.
		if err := startResponse(bw, resp.Status, resp.Header, -1, true, connToken(keepAlive)); err != nil {
			return false, false, 0
		}
		if _, ok := s.copyStream(bw, resp.Stream, true); !ok {
			// Mid-stream failure: the message is truncated and the
			// connection must not be reused.
			return false, false, -1
		}
		if err := endChunked(bw); err != nil {
			return false, false, -1
		}
		bodySize = -1
	}

	if err := bw.Flush(); err != nil {
		return false, false, bodySize
	}
	return keepAlive, false, bodySize
}

// copyStream pumps producer chunks to the wire. In chunked mode every
// chunk is flushed immediately for true streaming.
func (s *Server) copyStream(bw *bufio.Writer, producer BodyProducer, chunked bool) (int64, bool) {
	var written int64
	for {
		chunk, err := producer.NextChunk()
		if len(chunk) > 0 {
			if chunked {
				if werr := writeChunk(bw, chunk); werr != nil {
					return written, false
				}
				if werr := bw.Flush(); werr != nil {
					return written, false
				}
			} else {
				if _, werr := bw.Write(chunk); werr != nil {
					return written, false
				}
			}
			written += int64(len(chunk))
		}
		if err == io.EOF {
			return written, true
		}
		if err != nil {
			s.logger().Warn("response stream failed", "error", err)
			return written, false
		}
	}
}

func (s *Server) writeError(bw *bufio.Writer, status int) {
	body := []byte(StatusText(status))
	hdr := Header{"Content-Type": {"text/plain; charset=utf-8"}}
	if err := startResponse(bw, status, hdr, int64(len(body)), false, "close"); err != nil {
		return
	}
	_, _ = bw.Write(body)
	_ = bw.Flush()
}

func (s *Server) logExchange(peer string, req *Request, resp *Response, bodySize int64, wall time.Duration) {
	size := "stream"
	if bodySize >= 0 {
		size = strconv.FormatInt(bodySize, 10)
	}
	s.logger().Info("request",
		"peer", peer,
		"line", req.RequestLine(),
		"status", resp.Status,
		"size", size,
		"db_ops", resp.Stats.DBOps,
		"db_time", resp.Stats.DBTime,
		"wall", wall,
	)
}

func peerHost(peer string) string {
	if host, _, err := net.SplitHostPort(peer); err == nil {
		return host
	}
	return peer
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
