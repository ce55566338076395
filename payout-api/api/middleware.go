package api

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimitMiddleware caps request bodies at limit bytes after decoding.
// Provider webhooks may arrive gzip-compressed; the cap applies to the
// decompressed stream, so a small compressed body cannot expand without
// bound. Declared lengths above the cap are refused before reading, and
// encodings other than gzip and identity get 415.
func BodyLimitMiddleware(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.ContentLength > limit {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
			}
			compressed, err := contentCoding(req.Header.Get(echo.HeaderContentEncoding))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
			}
			if !compressed {
				req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
				return next(c)
			}

			raw := http.MaxBytesReader(c.Response(), req.Body, limit)
			gr, err := gzip.NewReader(raw)
			if err != nil {
				_ = raw.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &decodedBody{
				Reader:  http.MaxBytesReader(c.Response(), io.NopCloser(gr), limit),
				closers: []io.Closer{gr, raw},
			}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// contentCoding reports whether the body is gzip-encoded.
func contentCoding(header string) (bool, error) {
	gz := false
	for _, enc := range strings.Split(header, ",") {
		switch enc = strings.ToLower(strings.TrimSpace(enc)); enc {
		case "", "identity":
		case "gzip", "x-gzip":
			if gz {
				return false, errNestedEncoding
			}
			gz = true
		default:
			return false, fmt.Errorf("unsupported content encoding %q", enc)
		}
	}
	return gz, nil
}

var errNestedEncoding = errors.New("nested gzip encoding not supported")

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var err error
	for _, c := range d.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
