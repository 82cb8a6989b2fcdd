package pipeline

import (
	"context"
	"errors"

	"github.com/lumenfleet/fota-agent/internal/source"
	"github.com/lumenfleet/fota-agent/internal/transfer"
)

// Kind classifies why an update cycle failed. Every kind is terminal for
// the cycle: the agent stays on its current firmware and tries again at the
// next scheduled check, never sooner.
type Kind string

const (
	KindMetadataFetchFailed         Kind = "MetadataFetchFailed"
	KindMetadataParseFailed         Kind = "MetadataParseFailed"
	KindMetadataInvalid             Kind = "MetadataInvalid"
	KindMetadataMissingAssets       Kind = "MetadataMissingAssets"
	KindFirmwareDownloadFailed      Kind = "FirmwareDownloadFailed"
	KindInvalidDeclaredSize         Kind = "InvalidDeclaredSize"
	KindInsufficientSpace           Kind = "InsufficientSpace"
	KindTransferStalled             Kind = "TransferStalled"
	KindWriteFailed                 Kind = "WriteFailed"
	KindTruncatedTransfer           Kind = "TruncatedTransfer"
	KindSignatureDownloadFailed     Kind = "SignatureDownloadFailed"
	KindSignatureVerificationFailed Kind = "SignatureVerificationFailed"
	KindFinalizeFailed              Kind = "FinalizeFailed"
	KindConfigValidationFailed      Kind = "ConfigValidationFailed"
	KindAborted                     Kind = "Aborted"
)

// classifySourceErr maps metadata-source errors onto cycle kinds.
func classifySourceErr(err error) Kind {
	switch {
	case errors.Is(err, source.ErrParse):
		return KindMetadataParseFailed
	case errors.Is(err, source.ErrInvalid):
		return KindMetadataInvalid
	case errors.Is(err, source.ErrMissingAssets):
		return KindMetadataMissingAssets
	default:
		return KindMetadataFetchFailed
	}
}

// classifyTransferErr maps streaming-verifier errors onto cycle kinds.
func classifyTransferErr(err error) Kind {
	switch {
	case errors.Is(err, transfer.ErrInvalidSize):
		return KindInvalidDeclaredSize
	case errors.Is(err, transfer.ErrInsufficientSpace):
		return KindInsufficientSpace
	case errors.Is(err, transfer.ErrStalled):
		return KindTransferStalled
	case errors.Is(err, transfer.ErrWriteFailed):
		return KindWriteFailed
	case errors.Is(err, transfer.ErrTruncated):
		return KindTruncatedTransfer
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindAborted
	default:
		return KindFirmwareDownloadFailed
	}
}
