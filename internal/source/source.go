// Package source resolves where the latest firmware candidate lives and
// what version it is. It performs no version comparison and no firmware
// download; it only turns one of the supported update-source backends into
// a Descriptor the pipeline can act on.
package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/lumenfleet/fota-agent/internal/logging"
)

var log = logging.L("source")

// Sentinel errors for metadata resolution. The pipeline maps these onto
// cycle outcomes.
var (
	// ErrFetch indicates the update source returned a non-success status
	// or could not be reached.
	ErrFetch = errors.New("metadata fetch failed")
	// ErrParse indicates the update source returned malformed JSON.
	ErrParse = errors.New("metadata parse failed")
	// ErrInvalid indicates a manifest with missing or empty required fields.
	ErrInvalid = errors.New("metadata invalid")
	// ErrMissingAssets indicates a release listing without the required
	// firmware or signature asset.
	ErrMissingAssets = errors.New("release missing required assets")
)

// Descriptor names the latest firmware candidate offered by the update
// source. It is produced fresh on every check cycle and never persisted.
type Descriptor struct {
	Version      string
	FirmwareURL  string
	SignatureURL string
}

// Source produces the descriptor of the latest available firmware.
type Source interface {
	Latest(ctx context.Context) (Descriptor, error)
}

// resolveRef resolves a possibly-relative location against the URL the
// metadata itself was fetched from, so manifests can use paths like
// "/firmware/v1.3.bin".
func resolveRef(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

// drainClose discards any unread body so the connection can be reused.
func drainClose(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}
}
