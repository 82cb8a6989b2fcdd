// Package transfer streams a firmware image of declared length into a
// staging sink while folding the same bytes into a SHA-256 digest. The
// write and the digest update are strictly paired: a byte is hashed only
// after it has been accepted by the sink, so the returned digest always
// equals the digest of exactly the bytes present at the destination.
package transfer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lumenfleet/fota-agent/internal/logging"
)

var log = logging.L("transfer")

// Sentinel errors for a transfer attempt. Each one means the sink has
// already been rolled back.
var (
	// ErrInvalidSize indicates a non-positive declared length.
	ErrInvalidSize = errors.New("invalid declared size")
	// ErrInsufficientSpace indicates the sink could not reserve capacity.
	ErrInsufficientSpace = errors.New("insufficient space")
	// ErrStalled indicates the source stopped delivering data for longer
	// than the stall timeout.
	ErrStalled = errors.New("transfer stalled")
	// ErrWriteFailed indicates the sink rejected or short-wrote a chunk.
	ErrWriteFailed = errors.New("sink write failed")
	// ErrTruncated indicates the source ended before the declared length.
	ErrTruncated = errors.New("truncated transfer")
)

// Sink is the staging destination for an in-progress image. Reserve is
// called once before any write; Abort discards everything staged so far.
type Sink interface {
	Reserve(size int64) error
	Write(p []byte) (int, error)
	Abort()
}

// Config bounds a transfer. ChunkSize is the only per-transfer buffer
// allocation and is independent of the declared length.
type Config struct {
	ChunkSize    int
	StallTimeout time.Duration
	Backoff      time.Duration
}

// DefaultConfig mirrors the reference constants: 1 KiB chunks and a stall
// bound in the tens of seconds.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    1024,
		StallTimeout: 30 * time.Second,
		Backoff:      100 * time.Millisecond,
	}
}

// Verifier runs bounded, digest-accumulating transfers.
type Verifier struct {
	cfg Config

	// Injected for deterministic tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// New returns a Verifier using the given bounds. Zero fields fall back to
// defaults.
func New(cfg Config) *Verifier {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &Verifier{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run transfers exactly declared bytes from src to sink and returns the
// SHA-256 digest of those bytes. On any failure the sink is rolled back
// via Abort before returning, leaving the previously committed firmware
// selectable. Reads never request more than the bytes still owed, so the
// sink can never hold more than declared bytes.
func (v *Verifier) Run(ctx context.Context, src io.Reader, sink Sink, declared int64) ([]byte, error) {
	if declared <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, declared)
	}

	if err := sink.Reserve(declared); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientSpace, err)
	}

	buf := make([]byte, v.cfg.ChunkSize)
	digest := sha256.New()

	var written int64
	lastProgress := v.now()

	for written < declared {
		if err := ctx.Err(); err != nil {
			sink.Abort()
			return nil, err
		}

		limit := int64(len(buf))
		if remaining := declared - written; remaining < limit {
			limit = remaining
		}

		n, rerr := src.Read(buf[:limit])
		if n > 0 {
			w, werr := sink.Write(buf[:n])
			if werr != nil || w != n {
				sink.Abort()
				if werr != nil {
					return nil, fmt.Errorf("%w: %v", ErrWriteFailed, werr)
				}
				return nil, fmt.Errorf("%w: short write (%d of %d)", ErrWriteFailed, w, n)
			}
			// Hash exactly what was durably written, in the same order.
			digest.Write(buf[:n])
			written += int64(n)
			lastProgress = v.now()
		}

		switch {
		case rerr == io.EOF && written < declared:
			sink.Abort()
			return nil, fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, written, declared)
		case rerr != nil && rerr != io.EOF:
			sink.Abort()
			return nil, fmt.Errorf("%w: read error after %d of %d bytes: %v", ErrTruncated, written, declared, rerr)
		case n == 0 && rerr == nil:
			// The source may be pacing delivery; back off rather than
			// treating a zero-byte read as end of stream.
			if v.now().Sub(lastProgress) > v.cfg.StallTimeout {
				sink.Abort()
				return nil, fmt.Errorf("%w: no data for %v", ErrStalled, v.cfg.StallTimeout)
			}
			v.sleep(ctx, v.cfg.Backoff)
		}
	}

	log.Debug("transfer complete", "bytes", written)
	return digest.Sum(nil), nil
}
