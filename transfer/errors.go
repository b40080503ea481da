package transfer

import "errors"

var (
	// ErrChannelUnavailable indicates the destination peer has no open channel.
	ErrChannelUnavailable = errors.New("transfer: channel unavailable")
	// ErrChunkSendFailure indicates the transport rejected a chunk send.
	ErrChunkSendFailure = errors.New("transfer: chunk send failed")
	// ErrMissingChunks indicates assembly found an empty index slot even
	// though every chunk was counted as received.
	ErrMissingChunks = errors.New("transfer: missing chunks at completion")
	// ErrTotalChunksMismatch indicates an envelope disagrees with its session
	// about the chunk count.
	ErrTotalChunksMismatch = errors.New("transfer: total chunks mismatch")
	// ErrFileTooLarge indicates a file above the configured maximum size.
	ErrFileTooLarge = errors.New("transfer: file exceeds max size")
	// ErrInvalidTransferID indicates an empty transfer id.
	ErrInvalidTransferID = errors.New("transfer: invalid transfer id")
	// ErrTransferExists indicates a transfer id that is already in use.
	ErrTransferExists = errors.New("transfer: transfer id already in use")
	// ErrCancelled indicates a session abandoned before it finished.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrClosed indicates the component has been shut down.
	ErrClosed = errors.New("transfer: closed")
)
