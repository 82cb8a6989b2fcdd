package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/lumenfleet/fota-agent/internal/httputil"
)

// release is the wire format of a GitHub-style releases/latest response.
// The agent only reads the tag and the asset names and download locations.
type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// ReleaseSource resolves the latest firmware from a release-listing API.
// The firmware image and its detached signature must be attached as assets
// with the exact configured names.
type ReleaseSource struct {
	releaseURL    *url.URL
	firmwareAsset string
	sigAsset      string
	client        *http.Client
	retry         httputil.RetryConfig
}

// NewReleaseSource returns a Source backed by a releases/latest endpoint.
func NewReleaseSource(releaseURL, firmwareAsset, sigAsset string, client *http.Client, retry httputil.RetryConfig) (*ReleaseSource, error) {
	u, err := url.Parse(releaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid release URL %q: %w", releaseURL, err)
	}
	return &ReleaseSource{
		releaseURL:    u,
		firmwareAsset: firmwareAsset,
		sigAsset:      sigAsset,
		client:        client,
		retry:         retry,
	}, nil
}

// Latest fetches the latest release and locates the firmware and signature
// assets by exact name. The tag is treated as the candidate version; a
// single leading "v" is tolerated by the version parser downstream.
func (s *ReleaseSource) Latest(ctx context.Context) (Descriptor, error) {
	log.Debug("fetching latest release", "url", s.releaseURL.String())

	headers := http.Header{}
	headers.Set("Accept", "application/vnd.github+json")

	resp, err := httputil.Get(ctx, s.client, s.releaseURL.String(), headers, s.retry)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer drainClose(resp)

	if resp.StatusCode != http.StatusOK {
		return Descriptor{}, fmt.Errorf("%w: status %d from %s", ErrFetch, resp.StatusCode, s.releaseURL)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if strings.TrimSpace(rel.TagName) == "" {
		return Descriptor{}, fmt.Errorf("%w: release has no tag_name", ErrInvalid)
	}

	var fwURL, sigURL string
	for _, a := range rel.Assets {
		switch a.Name {
		case s.firmwareAsset:
			fwURL = a.BrowserDownloadURL
		case s.sigAsset:
			sigURL = a.BrowserDownloadURL
		}
	}
	if fwURL == "" || sigURL == "" {
		return Descriptor{}, fmt.Errorf("%w: need assets %q and %q", ErrMissingAssets, s.firmwareAsset, s.sigAsset)
	}

	return Descriptor{
		Version:      rel.TagName,
		FirmwareURL:  fwURL,
		SignatureURL: sigURL,
	}, nil
}
