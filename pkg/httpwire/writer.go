package httpwire

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
)

// startResponse writes the status line and headers. Connection,
// Content-Length and Transfer-Encoding are controlled here, never taken
// from the caller's header bag. connValue is the Connection token to
// emit ("keep-alive", "close" or "upgrade").
func startResponse(bw *bufio.Writer, status int, hdr Header, contentLength int64, chunked bool, connValue string) error {
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, StatusText(status)); err != nil {
		return err
	}

	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		switch k {
		case "Connection", "Content-Length", "Transfer-Encoding":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range hdr[k] {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, sanitizeValue(v)); err != nil {
				return err
			}
		}
	}

	if chunked {
		if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	} else if contentLength >= 0 {
		if _, err := fmt.Fprintf(bw, "Content-Length: %s\r\n", strconv.FormatInt(contentLength, 10)); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(bw, "Connection: %s\r\n\r\n", connValue); err != nil {
		return err
	}
	return nil
}

// connToken maps a keep-alive decision to the Connection header value.
func connToken(keepAlive bool) string {
	if keepAlive {
		return "keep-alive"
	}
	return "close"
}

// writeContinue emits the interim 100 response.
func writeContinue(bw *bufio.Writer) error {
	if _, err := fmt.Fprint(bw, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// writeChunk writes one chunk of a chunked body.
func writeChunk(bw *bufio.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(bw, "%x\r\n", len(p)); err != nil {
		return err
	}
	if _, err := bw.Write(p); err != nil {
		return err
	}
	_, err := fmt.Fprint(bw, "\r\n")
	return err
}

// endChunked writes the terminating zero-length chunk.
func endChunked(bw *bufio.Writer) error {
	_, err := fmt.Fprint(bw, "0\r\n\r\n")
	return err
}
