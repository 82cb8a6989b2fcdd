// Package flash implements the staging sink for firmware images as an A/B
// slot store on disk. A download streams into the staged slot; Finalize
// swaps it into the active slot keeping the previous image as a rollback
// target, so a failure at any point leaves the old firmware selectable.
package flash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/lumenfleet/fota-agent/internal/logging"
)

var log = logging.L("flash")

const (
	activeName   = "active.bin"
	stagedName   = "staged.bin"
	previousName = "previous.bin"
	versionName  = "active.version"
)

// ErrNoStagedImage is returned by Finalize when no fully staged image exists.
var ErrNoStagedImage = errors.New("no staged image")

// Store owns one staging slot at a time. It is not safe for concurrent use;
// the active pipeline run is the only writer.
type Store struct {
	dir      string
	staged   *os.File
	reserved int64
	written  int64
}

// NewStore opens (creating if needed) a slot store rooted at dir. Any
// staged image left over from an interrupted run is discarded.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	// A staged file from a previous process run was never verified.
	if err := os.Remove(filepath.Join(dir, stagedName)); err == nil {
		log.Warn("discarded stale staged image", "dir", dir)
	}
	return &Store{dir: dir}, nil
}

// Reserve checks that the staging volume has room for size bytes plus the
// previous-image copy, and opens the staged slot. It must be called before
// any write; calling it twice without Abort or Finalize is an error.
func (s *Store) Reserve(size int64) error {
	if size <= 0 {
		return fmt.Errorf("reserve size must be positive, got %d", size)
	}
	if s.staged != nil {
		return errors.New("a staged image is already open")
	}

	usage, err := disk.Usage(s.dir)
	if err != nil {
		return fmt.Errorf("failed to stat staging volume: %w", err)
	}
	// Room for the staged image and for the backup copy made at commit.
	if need := uint64(size) * 2; usage.Free < need {
		return fmt.Errorf("need %d bytes free on %s, have %d", need, s.dir, usage.Free)
	}

	f, err := os.OpenFile(s.stagedPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open staged slot: %w", err)
	}
	s.staged = f
	s.reserved = size
	s.written = 0
	return nil
}

// Write appends to the staged slot. Writing past the reserved size fails.
func (s *Store) Write(p []byte) (int, error) {
	if s.staged == nil {
		return 0, errors.New("no reservation")
	}
	if s.written+int64(len(p)) > s.reserved {
		return 0, fmt.Errorf("write exceeds reservation of %d bytes", s.reserved)
	}
	n, err := s.staged.Write(p)
	s.written += int64(n)
	return n, err
}

// Abort discards the staged image. Safe to call at any point; the active
// slot is never touched.
func (s *Store) Abort() {
	if s.staged != nil {
		s.staged.Close()
		s.staged = nil
	}
	os.Remove(s.stagedPath())
	s.reserved = 0
	s.written = 0
}

// Finalize commits the fully staged image: the current active image (if
// any) is kept as the previous slot, then the staged image becomes active.
// If activation fails the previous image is restored, so the store never
// ends up without a bootable active slot that existed before.
func (s *Store) Finalize() error {
	if s.staged == nil {
		return ErrNoStagedImage
	}
	if s.written != s.reserved {
		s.Abort()
		return fmt.Errorf("staged image incomplete: %d of %d bytes", s.written, s.reserved)
	}
	if err := s.staged.Sync(); err != nil {
		s.Abort()
		return fmt.Errorf("failed to sync staged image: %w", err)
	}
	if err := s.staged.Close(); err != nil {
		s.staged = nil
		s.Abort()
		return fmt.Errorf("failed to close staged image: %w", err)
	}
	s.staged = nil

	hadActive := false
	if _, err := os.Stat(s.activePath()); err == nil {
		hadActive = true
		os.Remove(s.previousPath())
		if err := os.Rename(s.activePath(), s.previousPath()); err != nil {
			s.Abort()
			return fmt.Errorf("failed to back up active image: %w", err)
		}
	}

	if err := os.Rename(s.stagedPath(), s.activePath()); err != nil {
		// Put the old image back so the device still has firmware.
		if hadActive {
			if rbErr := os.Rename(s.previousPath(), s.activePath()); rbErr != nil {
				log.Error("rollback after failed activation also failed", "error", rbErr)
			}
		}
		s.Abort()
		return fmt.Errorf("failed to activate staged image: %w", err)
	}

	s.reserved = 0
	s.written = 0
	log.Info("staged image activated", "path", s.activePath())
	return nil
}

// Rollback restores the previous image into the active slot.
func (s *Store) Rollback() error {
	if _, err := os.Stat(s.previousPath()); err != nil {
		return fmt.Errorf("no previous image to roll back to: %w", err)
	}
	if err := os.Rename(s.previousPath(), s.activePath()); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	log.Info("rolled back to previous image")
	return nil
}

// RecordVersion persists the version of the active image so the agent
// reports the right version after a restart.
func (s *Store) RecordVersion(version string) error {
	return os.WriteFile(filepath.Join(s.dir, versionName), []byte(version+"\n"), 0o644)
}

// ActiveVersion returns the recorded version of the active image, if any.
func (s *Store) ActiveVersion() (string, bool) {
	b, err := os.ReadFile(filepath.Join(s.dir, versionName))
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(b))
	return v, v != ""
}

// ActivePath returns the location of the active firmware image.
func (s *Store) ActivePath() string { return s.activePath() }

func (s *Store) activePath() string   { return filepath.Join(s.dir, activeName) }
func (s *Store) stagedPath() string   { return filepath.Join(s.dir, stagedName) }
func (s *Store) previousPath() string { return filepath.Join(s.dir, previousName) }
