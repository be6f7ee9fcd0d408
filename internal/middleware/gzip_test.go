package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoOrder возвращает тело запроса внутри конверта API.
func echoOrder(contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		defer r.Body.Close()

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":` + string(body) + `}`))
	}
}

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	var r io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(res.Body)
		require.NoError(t, err)
		defer gr.Close()
		r = gr
	}
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestGzipMiddleware(t *testing.T) {
	const order = `{"serviceId":"1","link":"https://instagram.com/acme","quantity":500}`

	tests := []struct {
		name           string
		compressBody   bool
		acceptEncoding string
		contentType    string
		wantEncoding   string
		wantVary       bool
	}{
		{
			name:           "json response compressed",
			acceptEncoding: "gzip, deflate",
			contentType:    "application/json",
			wantEncoding:   "gzip",
			wantVary:       true,
		},
		{
			name:           "compressed request body",
			compressBody:   true,
			acceptEncoding: "gzip",
			contentType:    "application/json; charset=utf-8",
			wantEncoding:   "gzip",
			wantVary:       true,
		},
		{
			name:         "compressed request, plain response",
			compressBody: true,
			contentType:  "application/json",
			wantEncoding: "",
		},
		{
			name:           "binary content left as is",
			acceptEncoding: "gzip",
			contentType:    "application/octet-stream",
			wantEncoding:   "",
			wantVary:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(order)
			if tt.compressBody {
				body = gzipBytes(t, order)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/orders", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(echoOrder(tt.contentType)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			assert.Equal(t, http.StatusCreated, res.StatusCode)
			assert.Equal(t, tt.contentType, res.Header.Get("Content-Type"))
			assert.Equal(t, tt.wantEncoding, res.Header.Get("Content-Encoding"))
			if tt.wantVary {
				assert.Equal(t, "Accept-Encoding", res.Header.Get("Vary"))
			}
			assert.Equal(t, `{"success":true,"data":`+order+`}`, readBody(t, res))
		})
	}
}

func TestGzipMiddlewareBrokenBody(t *testing.T) {
	called := false
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhooks/binance", strings.NewReader(`{"bizType":"PAY"}`))
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, called)
}
