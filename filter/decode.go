package filter

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/xerrors"

	"github.com/coder/gallatin/httpmsg"
)

// maxDecodedBody bounds decompression output.
const maxDecodedBody = 64 << 20

// decodeBody undoes the content codings listed in h, last applied first.
// Each decoded coding is removed from Content-Encoding and Content-Length is
// updated. decoded is false when a coding is not understood; the body is then
// returned as it was left by the codings already removed.
func decodeBody(h *httpmsg.Headers, body []byte) (_ []byte, decoded bool, _ error) {
	v, ok := h.Get(httpmsg.HeaderContentEncoding)
	if !ok {
		return body, true, nil
	}
	codings := strings.Split(v, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch coding {
		case "", "identity":
		case "gzip", "x-gzip":
			body, err = gunzip(body)
		case "deflate":
			body, err = inflate(body)
		case "br":
			body, err = readAll(brotli.NewReader(bytes.NewReader(body)))
		default:
			return body, false, nil
		}
		if err != nil {
			return nil, false, xerrors.Errorf("%s: %w", coding, err)
		}
		if coding != "" {
			h.RemoveKeyValue(httpmsg.HeaderContentEncoding, coding)
		}
		h.Upsert(httpmsg.HeaderContentLength, strconv.Itoa(len(body)))
	}
	h.Remove(httpmsg.HeaderContentEncoding)
	return body, true, nil
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readAll(zr)
}

// inflate accepts both zlib-wrapped and raw deflate streams, since servers
// send either under "deflate".
func inflate(body []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return readAll(fr)
	}
	defer zr.Close()
	return readAll(zr)
}

func readAll(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedBody+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedBody {
		return nil, xerrors.Errorf("decoded body exceeds %d bytes", maxDecodedBody)
	}
	return out, nil
}
