// Package proxy relays authorized FHIR requests to the store and rewrites
// the store's base URL to the gateway's own in everything sent back.
package proxy

import (
	"bytes"
	"compress/gzip"
	"io"
)

// replacingReader substitutes every occurrence of from with to in the
// wrapped stream. It holds back at most len(from)-1 bytes between reads, so
// response bodies of any size pass through without full buffering.
type replacingReader struct {
	src     io.Reader
	from    []byte
	to      []byte
	pending []byte
	out     bytes.Buffer
	chunk   []byte
	err     error
}

func newReplacingReader(src io.Reader, from, to string) io.Reader {
	if from == "" || from == to {
		return src
	}
	return &replacingReader{src: src, from: []byte(from), to: []byte(to)}
}

func (r *replacingReader) Read(p []byte) (int, error) {
	if r.chunk == nil {
		r.chunk = make([]byte, 32*1024)
	}
	for r.out.Len() == 0 && r.err == nil {
		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.pending = append(r.pending, r.chunk[:n]...)
			r.emit(false)
		}
		if err != nil {
			r.err = err
			r.emit(true)
		}
	}
	if r.out.Len() > 0 {
		return r.out.Read(p)
	}
	return 0, r.err
}

// emit moves processed bytes from pending to out. Unless final, the last
// len(from)-1 bytes stay pending in case a match straddles the chunk edge.
func (r *replacingReader) emit(final bool) {
	rest := r.pending
	for {
		idx := bytes.Index(rest, r.from)
		if idx < 0 {
			break
		}
		r.out.Write(rest[:idx])
		r.out.Write(r.to)
		rest = rest[idx+len(r.from):]
	}

	if final {
		r.out.Write(rest)
		r.pending = nil
		return
	}
	// When the tail is shorter than the pattern, everything stays pending;
	// the next read may complete a match.
	keep := len(r.from) - 1
	if keep > len(rest) {
		keep = len(rest)
	}
	r.out.Write(rest[:len(rest)-keep])
	r.pending = append(r.pending[:0], rest[len(rest)-keep:]...)
}

// gzipDecode wraps a gzip-encoded body in a decoding reader. Closing the
// returned reader closes the underlying body.
func gzipDecode(body io.ReadCloser) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(body)
	if err != nil {
		return nil, err
	}
	return &gzipReadCloser{zr: zr, underlying: body}, nil
}

type gzipReadCloser struct {
	zr         *gzip.Reader
	underlying io.Closer
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	err := g.zr.Close()
	if cerr := g.underlying.Close(); err == nil {
		err = cerr
	}
	return err
}

// gzipEncode returns a reader producing the gzip encoding of r, compressing
// as the consumer reads.
func gzipEncode(r io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		zw := gzip.NewWriter(pw)
		_, err := io.Copy(zw, r)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr
}
