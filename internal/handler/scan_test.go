package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"optisage-gateway/internal/auth"
	"optisage-gateway/internal/catalog"
	"optisage-gateway/internal/client"
	"optisage-gateway/internal/config"
	"optisage-gateway/internal/metrics"
	"optisage-gateway/internal/model"
	"optisage-gateway/internal/service"
)

const testCookie = "optisage_token"

type gateway struct {
	echo     *echo.Echo
	calls    *atomic.Int32
	metrics  *metrics.Metrics
	upstream *httptest.Server
}

// newGateway wires the full route table against a fake backend.
func newGateway(t *testing.T, backend http.HandlerFunc) *gateway {
	t.Helper()
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		backend(w, r)
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Backend: config.BackendConfig{
			BaseURL:         upstream.URL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxBodyBytes:    1 << 20,
		},
		Auth: config.AuthConfig{CookieName: testCookie},
		Download: config.DownloadConfig{
			Filename:    config.DefaultTemplateFilename,
			ContentType: config.DefaultTemplateContentType,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	bc, err := client.NewBackendClient(cfg, logger, m)
	if err != nil {
		t.Fatalf("NewBackendClient: %v", err)
	}
	svc := service.NewScanService(bc, cfg, logger)
	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}

	e := echo.New()
	RegisterRoutes(e,
		NewScanHandler(svc, auth.NewSource(cfg), m, logger),
		NewCatalogHandler(cat),
		NewHealthHandler(cfg, "test"),
	)
	return &gateway{echo: e, calls: &calls, metrics: m, upstream: upstream}
}

func (g *gateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.echo.ServeHTTP(rec, req)
	return rec
}

func authed(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: testCookie, Value: "tok-123"})
	return req
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) model.Envelope {
	t.Helper()
	var env model.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestScan_MissingCredential(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{}`)
	})

	body, contentType := testForm(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   io.Reader
		ctype  string
	}{
		{"get", http.MethodGet, "/api/scan/42", http.NoBody, ""},
		{"delete", http.MethodDelete, "/api/scan/42", http.NoBody, ""},
		{"restart", http.MethodPost, "/api/scan/42/restart", http.NoBody, ""},
		{"upload", http.MethodPost, "/api/scan", bytes.NewReader(body), contentType},
		{"download", http.MethodGet, "/api/scan/download-template", http.NoBody, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, tt.body)
			if tt.ctype != "" {
				req.Header.Set(echo.HeaderContentType, tt.ctype)
			}
			req.AddCookie(&http.Cookie{Name: "unrelated", Value: "x"})
			rec := g.do(req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			env := decodeEnvelope(t, rec)
			if env.Status != http.StatusUnauthorized || env.Message != "Authentication required" {
				t.Errorf("envelope = %+v", env)
			}
		})
	}

	if n := g.calls.Load(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}

func TestScan_Get_RelaysIdenticalBody(t *testing.T) {
	const payload = `{"status":200,"message":"Scan retrieved","data":{"id":42,"items":3}}`
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scan/42" {
			t.Errorf("upstream path = %q, want %q", r.URL.Path, "/scan/42")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok-123")
		}
		if r.Header.Get("Cookie") != "" {
			t.Error("inbound cookies must not be forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	})

	rec := g.do(authed(httptest.NewRequest(http.MethodGet, "/api/scan/42", http.NoBody)))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != payload {
		t.Errorf("body = %q, want %q", rec.Body.String(), payload)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != echo.MIMEApplicationJSON {
		t.Errorf("Content-Type = %q, want %q", ct, echo.MIMEApplicationJSON)
	}
}

func TestScan_Get_UpstreamStatusForwarded(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"missing"}`)
	})

	rec := g.do(authed(httptest.NewRequest(http.MethodGet, "/api/scan/42", http.NoBody)))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	env := decodeEnvelope(t, rec)
	if env.Status != http.StatusNotFound || env.Message != "Failed to fetch scan" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestScan_Get_MalformedBody(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>not json</html>")
	})

	rec := g.do(authed(httptest.NewRequest(http.MethodGet, "/api/scan/42", http.NoBody)))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if env := decodeEnvelope(t, rec); env.Message != "Invalid response from backend" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestScan_Get_EncodedSlashRejected(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})

	rec := g.do(authed(httptest.NewRequest(http.MethodGet, "/api/scan/a%2F..%2Fadmin", http.NoBody)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if n := g.calls.Load(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}

func TestScan_Delete_EmptyBodySynthesizesAck(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/scan/42" {
			t.Errorf("upstream = %s %s, want DELETE /scan/42", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := g.do(authed(httptest.NewRequest(http.MethodDelete, "/api/scan/42", http.NoBody)))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := `{"status":200,"message":"Scan deleted successfully","data":null}`
	if rec.Body.String() != want {
		t.Errorf("body = %s, want %s", rec.Body.String(), want)
	}
}

func TestScan_Delete_ClientGoneBackendStillCompletes(t *testing.T) {
	var completed atomic.Bool
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
			completed.Store(true)
			w.WriteHeader(http.StatusNoContent)
		case <-r.Context().Done():
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	req := authed(httptest.NewRequest(http.MethodDelete, "/api/scan/42", http.NoBody)).WithContext(ctx)
	rec := g.do(req)

	if !completed.Load() {
		t.Fatal("backend delete was abandoned when the client went away")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestScan_Restart(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/scan/42/restart" {
			t.Errorf("upstream = %s %s, want POST /scan/42/restart", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"status":200,"message":"Scan restarted"}`)
	})

	rec := g.do(authed(httptest.NewRequest(http.MethodPost, "/api/scan/42/restart", http.NoBody)))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"status":200,"message":"Scan restarted"}` {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func testForm(t *testing.T) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upcs.xlsx")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("PK\x03\x04upc-rows"))
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func TestScan_Upload(t *testing.T) {
	body, contentType := testForm(t)
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/scan" {
			t.Errorf("upstream = %s %s, want POST /scan", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != contentType {
			t.Errorf("Content-Type = %q, want %q", got, contentType)
		}
		got, _ := io.ReadAll(r.Body)
		if !bytes.Equal(got, body) {
			t.Error("multipart body was modified in transit")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"status":201,"message":"Scan created","data":{"id":9}}`)
	})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/scan", bytes.NewReader(body)))
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := g.do(req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestScan_Upload_NotMultipart(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/scan", strings.NewReader(`{"upc":"012345678905"}`)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := g.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if n := g.calls.Load(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}

func TestScan_DownloadTemplate(t *testing.T) {
	data := []byte("PK\x03\x04template-bytes")
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scan/download-template" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	})

	rec := g.do(authed(httptest.NewRequest(http.MethodGet, "/api/scan/download-template", http.NoBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != config.DefaultTemplateContentType {
		t.Errorf("Content-Type = %q, want %q", ct, config.DefaultTemplateContentType)
	}
	wantCD := fmt.Sprintf(`attachment; filename="%s"`, config.DefaultTemplateFilename)
	if cd := rec.Header().Get("Content-Disposition"); cd != wantCD {
		t.Errorf("Content-Disposition = %q, want %q", cd, wantCD)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Errorf("body = %q, want %q", rec.Body.Bytes(), data)
	}
}

func TestScan_DownloadTemplate_NonOKReturnsJSON(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", config.DefaultTemplateContentType)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("PK\x03\x04trunc"))
	})

	rec := g.do(authed(httptest.NewRequest(http.MethodGet, "/api/scan/download-template", http.NoBody)))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	if rec.Header().Get("Content-Disposition") != "" {
		t.Error("error response must not be an attachment")
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("PK")) {
		t.Error("partial binary body leaked into error response")
	}
	if env := decodeEnvelope(t, rec); env.Message != "Failed to download template" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestScan_BackendUnreachable(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {})
	g.upstream.Close()

	rec := g.do(authed(httptest.NewRequest(http.MethodGet, "/api/scan/42", http.NoBody)))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestScan_HeaderCredentialIgnoredByDefault(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/scan/42", http.NoBody)
	req.Header.Set("Authorization", "Bearer tok-123")
	rec := g.do(req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestScan_AuthRejectionsCounted(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {})

	for range 3 {
		g.do(httptest.NewRequest(http.MethodGet, "/api/scan/42", http.NoBody))
	}

	families, err := g.metrics.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "optisage_gateway_auth_rejections_total" {
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 3 {
				t.Errorf("auth rejections = %v, want 3", v)
			}
			return
		}
	}
	t.Error("expected optisage_gateway_auth_rejections_total")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"missing credential", auth.ErrMissingCredential, http.StatusUnauthorized, "Authentication required"},
		{"invalid id", fmt.Errorf("wrap: %w", service.ErrInvalidID), http.StatusBadRequest, "Invalid scan id"},
		{"not multipart", service.ErrNotMultipart, http.StatusBadRequest, "Content-Type must be multipart/form-data"},
		{"upstream status", &service.UpstreamStatusError{StatusCode: 403, Message: "Failed to fetch scan"}, 403, "Failed to fetch scan"},
		{"bogus upstream status", &service.UpstreamStatusError{StatusCode: 0, Message: "x"}, http.StatusInternalServerError, "x"},
		{"malformed", fmt.Errorf("%w: empty body", service.ErrMalformedBody), http.StatusInternalServerError, "Invalid response from backend"},
		{"deadline", fmt.Errorf("forward: %w", context.DeadlineExceeded), http.StatusInternalServerError, "Backend request timed out"},
		{"dns", fmt.Errorf("forward: %w", &net.DNSError{Err: "no such host", Name: "api.optisage.ai"}), http.StatusInternalServerError, "Backend host unreachable"},
		{"url", fmt.Errorf("forward: %w", &url.Error{Op: "Get", URL: "https://api.optisage.ai/scan/1", Err: fmt.Errorf("connection refused")}), http.StatusInternalServerError, "Backend connection failed"},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError, "Backend request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := classify(tt.err)
			if status != tt.wantStatus || msg != tt.wantMsg {
				t.Errorf("classify() = (%d, %q), want (%d, %q)", status, msg, tt.wantStatus, tt.wantMsg)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts bearer token",
			err:  `upstream request: header "Authorization: Bearer eyJhbGciOi.abc.def" rejected`,
			want: `upstream request: header "Authorization: Bearer [REDACTED]" rejected`,
		},
		{
			name: "case insensitive",
			err:  "bearer secret123 refused",
			want: "bearer [REDACTED] refused",
		},
		{
			name: "no token unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
