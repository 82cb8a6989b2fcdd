// Package pipeline sequences one secure update cycle: metadata check,
// version comparison, streamed download with lock-step hashing, detached
// signature verification, and commit. The pipeline is the only place that
// decides a failure is cycle-terminal; every collaborator just returns a
// typed error.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumenfleet/fota-agent/internal/fwversion"
	"github.com/lumenfleet/fota-agent/internal/health"
	"github.com/lumenfleet/fota-agent/internal/httputil"
	"github.com/lumenfleet/fota-agent/internal/logging"
	"github.com/lumenfleet/fota-agent/internal/signature"
	"github.com/lumenfleet/fota-agent/internal/source"
	"github.com/lumenfleet/fota-agent/internal/transfer"
)

var log = logging.L("pipeline")

// State names the position of the pipeline inside a cycle. No state is
// ever skipped, and the only re-entry is the Idle reset after a cycle ends.
type State string

const (
	StateIdle               State = "Idle"
	StateCheckingMetadata   State = "CheckingMetadata"
	StateComparingVersion   State = "ComparingVersion"
	StateDownloading        State = "Downloading"
	StateVerifyingSignature State = "VerifyingSignature"
	StateCommitting         State = "Committing"
	StateApplied            State = "Applied"
)

// Status is the terminal result of one cycle.
type Status string

const (
	StatusNoUpdate Status = "NoUpdateAvailable"
	StatusApplied  Status = "UpdateApplied"
	StatusFailed   Status = "Failed"
)

// Outcome reports how a cycle ended, with enough detail to tell "no update
// needed" from "update attempted and failed" from "update applied".
type Outcome struct {
	Status    Status
	Kind      Kind
	Err       error
	Candidate string
}

// Failed reports whether the cycle ended in a failure.
func (o Outcome) Failed() bool { return o.Status == StatusFailed }

// Sink is the staging destination for a candidate image. Finalize commits
// the staged image as active firmware; RecordVersion persists the version
// of the image just activated.
type Sink interface {
	transfer.Sink
	Finalize() error
	RecordVersion(version string) error
}

// Params wires a pipeline together.
type Params struct {
	Source   source.Source
	Verifier *transfer.Verifier
	Gate     *signature.Gate
	Sink     Sink
	Current  fwversion.Version

	// Client is used for the firmware stream and the signature blob; it
	// must follow redirects since release assets live behind redirecting
	// storage hosts.
	Client *http.Client
	// RequestTimeout bounds the metadata and signature calls. The firmware
	// stream is bounded by the verifier's stall timeout instead.
	RequestTimeout time.Duration
	Retry          httputil.RetryConfig

	Health *health.Monitor
}

// Pipeline executes update cycles one at a time. It is not safe for
// concurrent use; the agent loop is its single caller.
type Pipeline struct {
	p     Params
	state State
}

func New(p Params) *Pipeline {
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 2 * time.Minute
	}
	return &Pipeline{p: p, state: StateIdle}
}

// State returns the pipeline's current position.
func (pl *Pipeline) State() State { return pl.state }

// CurrentVersion returns the firmware version the pipeline compares against.
func (pl *Pipeline) CurrentVersion() fwversion.Version { return pl.p.Current }

func (pl *Pipeline) enter(s State) {
	log.Debug("state transition", "from", string(pl.state), "to", string(s))
	pl.state = s
}

func (pl *Pipeline) fail(kind Kind, err error) Outcome {
	log.Error("update cycle failed", "kind", string(kind), logging.KeyError, err)
	if pl.p.Health != nil {
		pl.p.Health.Update("update", health.Degraded, string(kind))
	}
	pl.enter(StateIdle)
	return Outcome{Status: StatusFailed, Kind: kind, Err: err}
}

// RunOnce executes one full cycle and returns its terminal outcome. On
// StatusApplied the staged image has been committed and the caller is
// expected to restart the device; every other outcome leaves the
// previously active firmware untouched.
func (pl *Pipeline) RunOnce(ctx context.Context) Outcome {
	pl.enter(StateCheckingMetadata)

	mdCtx, cancel := context.WithTimeout(ctx, pl.p.RequestTimeout)
	desc, err := pl.p.Source.Latest(mdCtx)
	cancel()
	if err != nil {
		return pl.fail(classifySourceErr(err), err)
	}

	pl.enter(StateComparingVersion)
	candidate, err := fwversion.Parse(desc.Version)
	if err != nil {
		return pl.fail(KindMetadataInvalid, err)
	}
	log.Info("version check", "current", pl.p.Current.String(), "candidate", candidate.String())
	if candidate.Compare(pl.p.Current) <= 0 {
		if pl.p.Health != nil {
			pl.p.Health.Update("update", health.Healthy, "up to date")
		}
		pl.enter(StateIdle)
		return Outcome{Status: StatusNoUpdate, Candidate: candidate.String()}
	}

	pl.enter(StateDownloading)
	digest, out := pl.download(ctx, desc.FirmwareURL)
	if out != nil {
		return *out
	}

	pl.enter(StateVerifyingSignature)
	sig, out := pl.fetchSignature(ctx, desc.SignatureURL)
	if out != nil {
		return *out
	}
	if !pl.p.Gate.Verify(digest, sig) {
		// The single most safety-critical outcome: the staged image is
		// discarded and never retried within this cycle.
		pl.p.Sink.Abort()
		return pl.fail(KindSignatureVerificationFailed,
			fmt.Errorf("signature does not verify against the trust anchor"))
	}
	log.Info("signature verified", "candidate", candidate.String())

	pl.enter(StateCommitting)
	if err := pl.p.Sink.Finalize(); err != nil {
		return pl.fail(KindFinalizeFailed, err)
	}
	if err := pl.p.Sink.RecordVersion(candidate.String()); err != nil {
		log.Warn("failed to record active version", logging.KeyError, err)
	}

	pl.enter(StateApplied)
	if pl.p.Health != nil {
		pl.p.Health.Update("update", health.Healthy, "applied "+candidate.String())
	}
	log.Info("update applied", "from", pl.p.Current.String(), "to", candidate.String())
	return Outcome{Status: StatusApplied, Candidate: candidate.String()}
}

// download streams the firmware image into the sink, returning the digest
// of the staged bytes. On failure it returns the terminal outcome; the sink
// has already been rolled back by the verifier.
func (pl *Pipeline) download(ctx context.Context, url string) ([]byte, *Outcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		o := pl.fail(KindFirmwareDownloadFailed, err)
		return nil, &o
	}
	resp, err := pl.p.Client.Do(req)
	if err != nil {
		o := pl.fail(KindFirmwareDownloadFailed, err)
		return nil, &o
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o := pl.fail(KindFirmwareDownloadFailed, fmt.Errorf("status %d from %s", resp.StatusCode, url))
		return nil, &o
	}

	digest, err := pl.p.Verifier.Run(ctx, resp.Body, pl.p.Sink, resp.ContentLength)
	if err != nil {
		o := pl.fail(classifyTransferErr(err), err)
		return nil, &o
	}
	return digest, nil
}

// fetchSignature downloads the detached signature blob: a bounded read,
// not a streamed transfer. On failure the staged image is discarded.
func (pl *Pipeline) fetchSignature(ctx context.Context, url string) ([]byte, *Outcome) {
	sigCtx, cancel := context.WithTimeout(ctx, pl.p.RequestTimeout)
	defer cancel()

	resp, err := httputil.Get(sigCtx, pl.p.Client, url, nil, pl.p.Retry)
	if err != nil {
		pl.p.Sink.Abort()
		o := pl.fail(KindSignatureDownloadFailed, err)
		return nil, &o
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		pl.p.Sink.Abort()
		o := pl.fail(KindSignatureDownloadFailed, fmt.Errorf("status %d from %s", resp.StatusCode, url))
		return nil, &o
	}

	sig, err := io.ReadAll(io.LimitReader(resp.Body, signature.MaxBlobSize+1))
	if err != nil {
		pl.p.Sink.Abort()
		o := pl.fail(KindSignatureDownloadFailed, err)
		return nil, &o
	}
	if len(sig) > signature.MaxBlobSize {
		pl.p.Sink.Abort()
		o := pl.fail(KindSignatureDownloadFailed, fmt.Errorf("signature exceeds %d bytes", signature.MaxBlobSize))
		return nil, &o
	}
	return sig, nil
}
