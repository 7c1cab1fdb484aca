// Package auth resolves the bearer credential carried by inbound requests.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"optisage-gateway/internal/config"
)

// ErrMissingCredential is returned when no bearer credential is present on the request.
var ErrMissingCredential = errors.New("authentication required: bearer credential missing")

// Source extracts a bearer credential from an inbound request.
// Implementations return ErrMissingCredential when the request carries none.
type Source interface {
	Credential(ctx context.Context, r *http.Request) (string, error)
}

// CookieSource reads the credential from a named cookie.
type CookieSource struct {
	Name string
}

// Credential implements Source.
func (s CookieSource) Credential(_ context.Context, r *http.Request) (string, error) {
	ck, err := r.Cookie(s.Name)
	if err != nil {
		return "", ErrMissingCredential
	}
	token := strings.TrimSpace(ck.Value)
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}

// HeaderSource reads the credential from an "Authorization: Bearer" header.
type HeaderSource struct{}

// Credential implements Source.
func (HeaderSource) Credential(_ context.Context, r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingCredential
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}

// Chain tries each source in order and returns the first credential found.
type Chain []Source

// Credential implements Source.
func (c Chain) Credential(ctx context.Context, r *http.Request) (string, error) {
	for _, s := range c {
		token, err := s.Credential(ctx, r)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrMissingCredential) {
			return "", err
		}
	}
	return "", ErrMissingCredential
}

// NewSource builds the credential source described by cfg. The cookie is
// always consulted first.
func NewSource(cfg *config.Config) Source {
	cookie := CookieSource{Name: cfg.Auth.CookieName}
	if !cfg.Auth.AllowHeader {
		return cookie
	}
	return Chain{cookie, HeaderSource{}}
}
