package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is advertised on every provider request.
const AcceptEncoding = "br, gzip, deflate"

// Pools for decompression readers to reduce allocation overhead.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

var emptyReader = strings.NewReader("")

func gunzip(src []byte, limit int64) ([]byte, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	defer func() {
		// Reset(nil) can panic on older runtimes; an empty reader just returns io.EOF.
		_ = zr.Reset(emptyReader)
		gzipReaderPool.Put(zr)
	}()
	if err := zr.Reset(bytes.NewReader(src)); err != nil {
		return nil, err
	}
	return readLimited(zr, limit)
}

func unbrotli(src []byte, limit int64) ([]byte, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	defer func() {
		_ = br.Reset(emptyReader)
		brotliReaderPool.Put(br)
	}()
	if err := br.Reset(bytes.NewReader(src)); err != nil {
		return nil, err
	}
	return readLimited(br, limit)
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers disagree
// on which one "deflate" means.
func inflate(src []byte, limit int64) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(src)); err == nil {
		defer zr.Close()
		return readLimited(zr, limit)
	}
	fr := flate.NewReader(bytes.NewReader(src))
	defer fr.Close()
	return readLimited(fr, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", limit)
	}
	return out, nil
}

// DecodeBody undoes the Content-Encoding values, which are listed in the order
// they were applied. Unknown encodings are an error.
func DecodeBody(encodings []string, body []byte, limit int64) ([]byte, error) {
	var all []string
	for _, v := range encodings {
		for _, part := range strings.Split(v, ",") {
			if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
				all = append(all, p)
			}
		}
	}

	out := body
	for i := len(all) - 1; i >= 0; i-- {
		var err error
		switch all[i] {
		case "identity":
			continue
		case "gzip", "x-gzip":
			out, err = gunzip(out, limit)
		case "br":
			out, err = unbrotli(out, limit)
		case "deflate":
			out, err = inflate(out, limit)
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", all[i])
		}
		if err != nil {
			return nil, fmt.Errorf("decoding %s body: %w", all[i], err)
		}
	}
	return out, nil
}
