// Package source opens bitstreams and flash images: local files, http URLs,
// gzip-compressed variants of either and Intel HEX images.
package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/marcinbor85/gohex"
)

// Upload chunk sizes. Decompression is slower than the shifter so
// compressed sources use smaller chunks.
const (
	ChunkSize           = 16 << 10
	CompressedChunkSize = 4 << 10
)

var ErrEmptyImage = errors.New("source: image has no data")

// Source is an open stream.
type Source struct {
	io.Reader
	Name       string
	Compressed bool
	// Base is the load address of a HEX image; HasBase is false for raw
	// sources.
	Base    uint32
	HasBase bool

	closers []io.Closer
}

// ChunkSize returns the upload chunk size suited to the source.
func (s *Source) ChunkSize() int {
	if s.Compressed {
		return CompressedChunkSize
	}
	return ChunkSize
}

// Close releases the underlying file or connection.
func (s *Source) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Open opens name. Names starting with http:// or https:// are fetched,
// a .gz suffix is decompressed and a .hex (or .hex.gz) is parsed as Intel
// HEX and flattened with gaps filled with 0xFF.
func Open(ctx context.Context, name string) (*Source, error) {
	s := &Source{Name: name}
	var raw io.ReadCloser
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, name, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("source: fetch %s: %w", name, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("source: fetch %s: %s", name, resp.Status)
		}
		raw = resp.Body
	} else {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		raw = f
	}
	s.Reader = raw
	s.closers = append(s.closers, raw)

	base := name
	if u, err := url.Parse(name); err == nil && u.Scheme != "" {
		base = u.Path
	}
	if strings.HasSuffix(base, ".gz") {
		zr, err := gzip.NewReader(raw)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("source: %s: %w", name, err)
		}
		s.Reader = zr
		s.closers = append(s.closers, zr)
		s.Compressed = true
		base = strings.TrimSuffix(base, ".gz")
	}
	if strings.HasSuffix(strings.ToLower(base), ".hex") {
		img, addr, err := FlattenHex(s.Reader)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("source: %s: %w", name, err)
		}
		s.Reader = bytes.NewReader(img)
		s.Base, s.HasBase = addr, true
	}
	glog.V(1).Infof("source: opened %s (compressed=%v)", name, s.Compressed)
	return s, nil
}

// FlattenHex parses an Intel HEX stream into one contiguous image starting
// at its lowest address.
func FlattenHex(r io.Reader) ([]byte, uint32, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, 0, err
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, 0, ErrEmptyImage
	}
	lo, hi := segs[0].Address, segs[0].Address
	for _, seg := range segs {
		lo = min(lo, seg.Address)
		hi = max(hi, seg.Address+uint32(len(seg.Data)))
	}
	img := bytes.Repeat([]byte{0xFF}, int(hi-lo))
	for _, seg := range segs {
		copy(img[seg.Address-lo:], seg.Data)
	}
	return img, lo, nil
}

// ReadChunk fills buf from r. It returns a short count only at the end of
// the stream, and io.EOF only when nothing was read.
func ReadChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}
