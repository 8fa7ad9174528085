package download

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"mediagrab/internal/httputil"
)

// forwardedHeaders are copied from the upstream stream response.
var forwardedHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "Last-Modified", "ETag"}

// Proxy streams rawURL to w, passing the client's Range header upstream and
// the range-related response headers back. filename sets an attachment
// Content-Disposition when non-empty.
func Proxy(ctx context.Context, client httputil.Doer, w http.ResponseWriter, r *http.Request, rawURL string, headers map[string]string, filename string) (int64, error) {
	h := cloneHeaders(headers)
	if rng := r.Header.Get("Range"); rng != "" {
		h["Range"] = rng
	}
	resp, err := httputil.Get(ctx, client, rawURL, h)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	CopyHeaders(w.Header(), resp)
	if filename != "" {
		w.Header().Set("Content-Disposition", httputil.ContentDisposition(filename))
	}
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("proxying stream: %w", err)
	}
	return n, nil
}

// CopyHeaders forwards the stream headers of resp to dst. Accept-Ranges
// defaults to bytes.
func CopyHeaders(dst http.Header, resp *http.Response) {
	for _, k := range forwardedHeaders {
		if v := resp.Header.Get(k); v != "" {
			dst.Set(k, v)
		}
	}
	if v := resp.Header.Get("Accept-Ranges"); v != "" {
		dst.Set("Accept-Ranges", v)
	} else {
		dst.Set("Accept-Ranges", "bytes")
	}
}
