package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DecompressRequest transparently inflates gzip-encoded request bodies.
// Batch deletes and imports are the payloads worth compressing; a body that
// claims gzip but does not parse as gzip is rejected with 400.
func DecompressRequest() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !declaresGzip(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			raw := req.Body
			zr, err := gzip.NewReader(raw)
			if err != nil {
				_ = raw.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &inflatedBody{zr: zr, raw: raw}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func declaresGzip(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type inflatedBody struct {
	zr  *gzip.Reader
	raw io.Closer
}

func (b *inflatedBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *inflatedBody) Close() error {
	err := b.zr.Close()
	if cerr := b.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
