// Package provider implements clients for the upstream LLM APIs that
// produce interactive web documents, plus the shared text-to-document
// extraction and burst-stream parsing they rely on.
package provider

import (
	"context"
	"errors"

	"github.com/ndwlabs/ndw-gateway/internal/models"
)

// Provider errors. Callers treat any error as "this provider produced
// nothing" and move on; the sentinels only matter for logging.
var (
	ErrNoCredentials = errors.New("provider has no credentials")
	ErrBackoff       = errors.New("provider rate limited")
	ErrEmptyResponse = errors.New("provider returned no content")
)

// Provider is a single upstream LLM capable of generating one document
// per call.
type Provider interface {
	Name() string
	Credentialed() bool
	GeneratePage(ctx context.Context, brief string, seed int64, categoryNote string) (*models.Doc, error)
}

// Burster is a provider that can stream several documents from one
// upstream request.
type Burster interface {
	Provider
	GenerateBurst(ctx context.Context, brief string, seed int64, max int) <-chan *models.Doc
}

// Status is the diagnostic snapshot exposed by GET /llm/status.
type Status struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	HasToken bool   `json:"has_token"`
	Using    string `json:"using"`
}

// StatusOf summarizes a provider for diagnostics.
func StatusOf(p Provider) Status {
	s := Status{Provider: p.Name(), HasToken: p.Credentialed(), Using: "stub"}
	if p.Credentialed() {
		s.Using = p.Name()
		if m, ok := p.(interface{ Model() string }); ok {
			s.Model = m.Model()
		}
	}
	return s
}
