package source

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// decodeBody wraps the body in a decoder when the source declared a content
// encoding the HTTP transport did not already remove.
func decodeBody(resp *http.Response) (io.ReadCloser, bool, error) {
	if resp.Uncompressed {
		return resp.Body, true, nil
	}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "zstd":
		decoder, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, false, err
		}
		return &decodedBody{Reader: decoder, closeDecoder: decoder.Close, body: resp.Body}, true, nil
	case "gzip", "x-gzip":
		decoder, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, err
		}
		return &decodedBody{Reader: decoder, closeDecoder: func() { _ = decoder.Close() }, body: resp.Body}, true, nil
	default:
		return resp.Body, false, nil
	}
}

// decodedBody closes both the decoder and the raw response body.
type decodedBody struct {
	io.Reader
	closeDecoder func()
	body         io.ReadCloser
}

func (d *decodedBody) Close() error {
	d.closeDecoder()
	return d.body.Close()
}
