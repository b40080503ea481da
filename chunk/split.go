package chunk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"iter"

	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultChunkSize is the recommended chunk size (1 MiB).
	DefaultChunkSize = 1024 * 1024
	// DefaultMimeType is used when a sender does not provide one.
	DefaultMimeType = "application/octet-stream"
)

var (
	// ErrInvalidChunkSize indicates a chunk size below one byte.
	ErrInvalidChunkSize = errors.New("chunk: chunk size must be >= 1")
	// ErrIndexOutOfRange indicates a chunk index outside [0, totalChunks).
	ErrIndexOutOfRange = errors.New("chunk: index out of range")
)

// TotalChunks returns max(1, ceil(fileSize/chunkSize)).
// A zero-byte file is one empty chunk. Returns 0 when chunkSize < 1.
func TotalChunks(fileSize int64, chunkSize int) int {
	if chunkSize < 1 || fileSize < 0 {
		return 0
	}
	if fileSize == 0 {
		return 1
	}
	chunks := fileSize / int64(chunkSize)
	if fileSize%int64(chunkSize) != 0 {
		chunks++
	}
	return int(chunks)
}

// Split yields (index, payload) pairs in index order. Payloads are
// sub-slices of buf and must be treated as read-only.
func Split(buf []byte, chunkSize int) iter.Seq2[int, []byte] {
	return func(yield func(int, []byte) bool) {
		total := TotalChunks(int64(len(buf)), chunkSize)
		for i := 0; i < total; i++ {
			payload, _ := Slice(buf, chunkSize, i)
			if !yield(i, payload) {
				return
			}
		}
	}
}

// Slice returns the payload of one chunk from the fixed split of buf.
func Slice(buf []byte, chunkSize, index int) ([]byte, error) {
	if chunkSize < 1 {
		return nil, ErrInvalidChunkSize
	}
	total := TotalChunks(int64(len(buf)), chunkSize)
	if index < 0 || index >= total {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, total)
	}

	start := index * chunkSize
	end := start + chunkSize
	if end > len(buf) {
		end = len(buf)
	}
	return buf[start:end:end], nil
}

// Digest returns the hex blake2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
