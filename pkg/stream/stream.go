// Package stream turns a stream descriptor into a conditional,
// cache-aware HTTP response: validators, 304 short-circuits,
// cache-control and the optional sendfile hand-off.
package stream

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/txn2/gatehouse/pkg/httpwire"
)

// Kind says where the bytes come from.
type Kind int

const (
	KindData Kind = iota
	KindPath
	KindURL
)

// Descriptor is a fully described response stream. Validators are
// computed by the constructors; Respond turns it into a response.
type Descriptor struct {
	Kind         Kind
	Data         []byte
	Path         string
	URL          string
	Mimetype     string
	DownloadName string
	ETag         string
	LastModified time.Time
	Size         int64
	Public       bool
	Immutable    bool

	// AsAttachment forces a download instead of inline display.
	AsAttachment bool
}

const immutableMaxAge = 365 * 24 * time.Hour

// FromData describes an in-memory payload with a content-hash ETag.
func FromData(data []byte, mimetype string) *Descriptor {
	sum := sha1.Sum(data)
	return &Descriptor{
		Kind:     KindData,
		Data:     data,
		Mimetype: mimetype,
		ETag:     `"` + hex.EncodeToString(sum[:]) + `"`,
		Size:     int64(len(data)),
	}
}

// FromPath describes a file on disk. The validator is derived from
// mtime, size and a cheap checksum of the identifying fields, so it is
// stable across processes without reading the file.
func FromPath(path, mimetype string) (*Descriptor, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("stat %s: is a directory", path)
	}
	ident := fmt.Sprintf("%s|%d|%d", path, fi.Size(), fi.ModTime().UnixNano())
	sum := sha1.Sum([]byte(ident))
	return &Descriptor{
		Kind:         KindPath,
		Path:         path,
		Mimetype:     mimetype,
		ETag:         `"` + hex.EncodeToString(sum[:]) + `"`,
		LastModified: fi.ModTime().Truncate(time.Second),
		Size:         fi.Size(),
	}, nil
}

// FromURL describes a redirect target.
func FromURL(url string) *Descriptor {
	return &Descriptor{Kind: KindURL, URL: url}
}

// Responder renders descriptors. SendfileHeader, when non-empty,
// enables the out-of-band file hand-off for path-backed streams.
type Responder struct {
	SendfileHeader string
}

// Respond builds the response for req, short-circuiting to 304 when
// the client's validators still hold.
func (sr *Responder) Respond(req *httpwire.Request, d *Descriptor) (*httpwire.Response, error) {
	if d.Kind == KindURL {
		resp := httpwire.NewResponse(301)
		resp.Header.Set("Location", d.URL)
		resp.ContentLength = 0
		return resp, nil
	}

	if notModified(req, d) {
		resp := httpwire.NewResponse(304)
		resp.ContentLength = 0
		sr.setCaching(resp, d)
		return resp, nil
	}

	resp := httpwire.NewResponse(200)
	sr.setCaching(resp, d)
	if d.Mimetype != "" {
		resp.Header.Set("Content-Type", d.Mimetype)
	}
	setDisposition(resp, d)

	switch d.Kind {
	case KindData:
		resp.Body = d.Data
		resp.ContentLength = d.Size
	case KindPath:
		if sr.SendfileHeader != "" {
			// The fronting transport sends the file; the declared
			// body length on this leg must be zero.
			resp.Header.Set(sr.SendfileHeader, d.Path)
			resp.ContentLength = 0
			return resp, nil
		}
		f, err := os.Open(d.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", d.Path, err)
		}
		resp.Stream = fileProducer(f)
		resp.ContentLength = d.Size
	}
	return resp, nil
}

func fileProducer(f *os.File) httpwire.BodyProducer {
	inner := httpwire.ProducerFromReader(f)
	return httpwire.BodyProducerFunc(func() ([]byte, error) {
		chunk, err := inner.NextChunk()
		if err != nil {
			f.Close()
		}
		return chunk, err
	})
}

// notModified evaluates If-None-Match first, then If-Modified-Since,
// matching the usual conditional-GET precedence.
func notModified(req *httpwire.Request, d *Descriptor) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		if d.ETag == "" {
			return false
		}
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || strings.TrimPrefix(candidate, "W/") == d.ETag {
				return true
			}
		}
		return false
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" && !d.LastModified.IsZero() {
		t, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !d.LastModified.After(t)
	}
	return false
}

func (sr *Responder) setCaching(resp *httpwire.Response, d *Descriptor) {
	if d.ETag != "" {
		resp.Header.Set("ETag", d.ETag)
	}
	if !d.LastModified.IsZero() {
		resp.Header.Set("Last-Modified", d.LastModified.UTC().Format(http.TimeFormat))
	}

	var cc []string
	if d.Public {
		cc = append(cc, "public")
	} else {
		cc = append(cc, "private")
	}
	if d.Immutable {
		cc = append(cc, "max-age="+strconv.Itoa(int(immutableMaxAge.Seconds())), "immutable")
	}
	resp.Header.Set("Cache-Control", strings.Join(cc, ", "))
}

func setDisposition(resp *httpwire.Response, d *Descriptor) {
	if d.DownloadName == "" {
		return
	}
	kind := "inline"
	if d.AsAttachment {
		kind = "attachment"
	}
	resp.Header.Set("Content-Disposition",
		fmt.Sprintf("%s; filename=%q", kind, d.DownloadName))
}
