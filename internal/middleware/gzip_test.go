package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func gzipTestHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("received: " + string(body)))
}

func TestGzipMiddleware_CompressesResponse(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("payload"))
	req.Header.Set("Accept-Encoding", "gzip")

	w := httptest.NewRecorder()

	h := GzipMiddleware(http.HandlerFunc(gzipTestHandler))
	h.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if ce := res.Header.Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("content-encoding = %q, want gzip", ce)
	}

	gr, err := gzip.NewReader(res.Body)
	if err != nil {
		t.Fatalf("new gzip reader: %v", err)
	}
	defer gr.Close()

	body, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "received: payload" {
		t.Fatalf("body = %q", string(body))
	}
}

func TestGzipMiddleware_PassthroughWithoutAcceptEncoding(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("plain"))

	w := httptest.NewRecorder()

	h := GzipMiddleware(http.HandlerFunc(gzipTestHandler))
	h.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if ce := res.Header.Get("Content-Encoding"); ce != "" {
		t.Fatalf("content-encoding = %q, want empty", ce)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "received: plain" {
		t.Fatalf("body = %q", string(body))
	}
}

func TestGzipMiddleware_DecompressesRequest(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte("compressed request")); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/test", &buf)
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()

	h := GzipMiddleware(http.HandlerFunc(gzipTestHandler))
	h.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "compressed request") {
		t.Fatalf("body %q does not contain decompressed request", string(body))
	}
}
