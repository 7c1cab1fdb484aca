// Package service implements the authenticated scan gateway operations.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"optisage-gateway/internal/auth"
	"optisage-gateway/internal/client"
	"optisage-gateway/internal/config"
	"optisage-gateway/internal/model"
)

const (
	scanResource = "scan"

	// MsgScanDeleted is the message of the acknowledgement synthesized when
	// the backend confirms a delete with an empty body.
	MsgScanDeleted = "Scan deleted successfully"
)

var (
	// ErrInvalidID is returned for identifiers that cannot be used as a single path segment.
	ErrInvalidID = errors.New("invalid scan identifier")
	// ErrNotMultipart is returned when an upload is not multipart/form-data.
	ErrNotMultipart = errors.New("content type must be multipart/form-data")
	// ErrMalformedBody is returned when the backend body is empty or not JSON where JSON was expected.
	ErrMalformedBody = errors.New("malformed backend response body")
)

// UpstreamStatusError reports a non-2xx backend status for an operation
// whose body could not be relayed as-is.
type UpstreamStatusError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// JSONResult is a validated JSON body ready to be relayed with its status.
type JSONResult struct {
	StatusCode int
	Body       []byte
}

// ScanService forwards scan operations to the backend on behalf of an
// authenticated caller.
type ScanService struct {
	client       *client.BackendClient
	logger       *slog.Logger
	maxBodyBytes int64
	download     config.DownloadConfig
}

// NewScanService creates a ScanService.
func NewScanService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) *ScanService {
	maxBody := cfg.Backend.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 * 1024 * 1024
	}

	return &ScanService{
		client:       c,
		logger:       logger.With("component", "scan_service"),
		maxBodyBytes: maxBody,
		download:     cfg.Download,
	}
}

// Get fetches one scan. Any non-2xx backend status is reported as an
// *UpstreamStatusError carrying that status.
func (s *ScanService) Get(ctx context.Context, token, id string) (*JSONResult, error) {
	path, err := scanPath(id)
	if err != nil {
		return nil, err
	}

	resp, err := s.forward(&model.ProxyRequest{Ctx: ctx, Method: http.MethodGet, Path: path, Token: token})
	if err != nil {
		return nil, err
	}
	defer client.Discard(resp)

	if !isSuccess(resp.StatusCode) {
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Message: "Failed to fetch scan"}
	}

	body, err := s.readJSON(resp.Body, false)
	if err != nil {
		return nil, err
	}
	return &JSONResult{StatusCode: resp.StatusCode, Body: body}, nil
}

// Delete removes one scan. The backend may answer with an empty body, in
// which case a success acknowledgement is synthesized.
func (s *ScanService) Delete(ctx context.Context, token, id string) (*JSONResult, error) {
	path, err := scanPath(id)
	if err != nil {
		return nil, err
	}

	resp, err := s.forward(&model.ProxyRequest{Ctx: ctx, Method: http.MethodDelete, Path: path, Token: token})
	if err != nil {
		return nil, err
	}
	defer client.Discard(resp)

	body, err := s.readJSON(resp.Body, true)
	if err != nil && !errors.Is(err, ErrMalformedBody) {
		return nil, err
	}
	if err == nil && len(body) > 0 {
		return &JSONResult{StatusCode: resp.StatusCode, Body: body}, nil
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Message: "Failed to delete scan"}
	}
	if err != nil {
		s.logger.Debug("delete confirmed with unparsable body", "err", err)
	}

	ack, err := json.Marshal(model.NewEnvelope(http.StatusOK, MsgScanDeleted))
	if err != nil {
		return nil, fmt.Errorf("encode delete acknowledgement: %w", err)
	}
	return &JSONResult{StatusCode: http.StatusOK, Body: ack}, nil
}

// Restart asks the backend to re-run one scan.
func (s *ScanService) Restart(ctx context.Context, token, id string) (*JSONResult, error) {
	path, err := scanPath(id)
	if err != nil {
		return nil, err
	}

	resp, err := s.forward(&model.ProxyRequest{Ctx: ctx, Method: http.MethodPost, Path: path + "/restart", Token: token})
	if err != nil {
		return nil, err
	}
	defer client.Discard(resp)

	return s.relayJSON(resp, "Failed to restart scan")
}

// Upload forwards a multipart form body unmodified. contentType must be the
// inbound Content-Type, boundary included. length is -1 when unknown.
func (s *ScanService) Upload(ctx context.Context, token, contentType string, body io.Reader, length int64) (*JSONResult, error) {
	if token == "" {
		return nil, auth.ErrMissingCredential
	}
	if !isMultipartForm(contentType) {
		return nil, ErrNotMultipart
	}

	header := make(http.Header)
	header.Set("Content-Type", contentType)

	resp, err := s.forward(&model.ProxyRequest{
		Ctx:           ctx,
		Method:        http.MethodPost,
		Path:          "/" + scanResource,
		Token:         token,
		Header:        header,
		Body:          body,
		ContentLength: length,
	})
	if err != nil {
		return nil, err
	}
	defer client.Discard(resp)

	return s.relayJSON(resp, "Failed to upload scan")
}

// DownloadTemplate fetches the scan upload template. On success the returned
// response carries the fixed content type and attachment filename; the
// caller must close its body. A non-2xx status never yields a body.
func (s *ScanService) DownloadTemplate(ctx context.Context, token string) (*model.ProxyResponse, error) {
	header := make(http.Header)
	header.Set("Accept", "*/*")

	resp, err := s.forward(&model.ProxyRequest{
		Ctx:    ctx,
		Method: http.MethodGet,
		Path:   "/" + scanResource + "/download-template",
		Token:  token,
		Header: header,
	})
	if err != nil {
		return nil, err
	}

	if !isSuccess(resp.StatusCode) {
		client.Discard(resp)
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Message: "Failed to download template"}
	}

	out := make(http.Header)
	out.Set("Content-Type", s.download.ContentType)
	out.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, s.download.Filename))
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if _, err := strconv.ParseInt(cl, 10, 64); err == nil {
			out.Set("Content-Length", cl)
		}
	}
	resp.Header = out
	return resp, nil
}

// forward sends pr to the backend. The client attaches the credential and
// refuses to call without one.
func (s *ScanService) forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	s.logger.Debug("forwarding request", "method", pr.Method, "path", pr.Path)

	resp, err := s.client.Send(pr)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}
	return resp, nil
}

// relayJSON relays a JSON body with its status. A body that is not JSON is
// reported with the backend status when that status is an error, and as
// ErrMalformedBody otherwise.
func (s *ScanService) relayJSON(resp *model.ProxyResponse, failMsg string) (*JSONResult, error) {
	body, err := s.readJSON(resp.Body, false)
	if err != nil {
		if !isSuccess(resp.StatusCode) {
			return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Message: failMsg}
		}
		return nil, err
	}
	return &JSONResult{StatusCode: resp.StatusCode, Body: body}, nil
}

// readJSON reads at most maxBodyBytes and checks the body is valid JSON.
// With allowEmpty, a whitespace-only body returns (nil, nil).
func (s *ScanService) readJSON(r io.Reader, allowEmpty bool) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, s.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read backend body: %w", err)
	}
	if int64(len(body)) > s.maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedBody, s.maxBodyBytes)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if allowEmpty {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: empty body", ErrMalformedBody)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedBody)
	}
	return body, nil
}

// scanPath validates id and returns the backend path of that scan.
func scanPath(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/?#") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character", ErrInvalidID)
		}
	}
	return "/" + scanResource + "/" + id, nil
}

func isMultipartForm(contentType string) bool {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "multipart/form-data" && params["boundary"] != ""
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
