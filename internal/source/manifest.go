package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lumenfleet/fota-agent/internal/httputil"
)

// manifestDoc is the wire format of the static manifest backend: a single
// JSON document naming the latest version and two download locations.
type manifestDoc struct {
	Version      string `json:"version"`
	FileURL      string `json:"file_url"`
	SignatureURL string `json:"signature_url"`
}

// ManifestSource fetches a static JSON manifest from a fixed URL.
type ManifestSource struct {
	manifestURL *url.URL
	client      *http.Client
	retry       httputil.RetryConfig
}

// NewManifestSource returns a Source backed by a static manifest document.
func NewManifestSource(manifestURL string, client *http.Client, retry httputil.RetryConfig) (*ManifestSource, error) {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest URL %q: %w", manifestURL, err)
	}
	return &ManifestSource{manifestURL: u, client: client, retry: retry}, nil
}

// Latest fetches and validates the manifest. All three fields are required
// and must be non-empty; file and signature locations may be relative to
// the manifest URL.
func (s *ManifestSource) Latest(ctx context.Context) (Descriptor, error) {
	log.Debug("fetching manifest", "url", s.manifestURL.String())

	resp, err := httputil.Get(ctx, s.client, s.manifestURL.String(), nil, s.retry)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer drainClose(resp)

	if resp.StatusCode != http.StatusOK {
		return Descriptor{}, fmt.Errorf("%w: status %d from %s", ErrFetch, resp.StatusCode, s.manifestURL)
	}

	var doc manifestDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if doc.Version == "" || doc.FileURL == "" || doc.SignatureURL == "" {
		return Descriptor{}, fmt.Errorf("%w: manifest requires version, file_url and signature_url", ErrInvalid)
	}

	fwURL, err := resolveRef(s.manifestURL, doc.FileURL)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: bad file_url %q: %v", ErrInvalid, doc.FileURL, err)
	}
	sigURL, err := resolveRef(s.manifestURL, doc.SignatureURL)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: bad signature_url %q: %v", ErrInvalid, doc.SignatureURL, err)
	}

	return Descriptor{
		Version:      doc.Version,
		FirmwareURL:  fwURL,
		SignatureURL: sigURL,
	}, nil
}
