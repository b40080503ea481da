package transfer

import (
	"fmt"
	"time"

	"filedrop/chunk"
)

// ReceiveState is the lifecycle state of one incoming file.
type ReceiveState int

const (
	StateAwaitingChunks ReceiveState = iota
	StateAssembling
	StateComplete
	StateError
)

func (s ReceiveState) String() string {
	switch s {
	case StateAwaitingChunks:
		return "AWAITING_CHUNKS"
	case StateAssembling:
		return "ASSEMBLING"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// receiveSession accumulates the chunks of one incoming file. It is owned by
// exactly one goroutine at a time: the Assembler under its lock, or the
// reassembly worker.
type receiveSession struct {
	transferID  string
	totalChunks int
	fileName    string
	mimeType    string
	startedAt   time.Time

	chunks   map[int][]byte
	received int
	bytes    int64
	state    ReceiveState
}

func newReceiveSession(transferID string, totalChunks int, fileName, mimeType string, startedAt time.Time) *receiveSession {
	return &receiveSession{
		transferID:  transferID,
		totalChunks: totalChunks,
		fileName:    fileName,
		mimeType:    mimeType,
		startedAt:   startedAt,
		chunks:      make(map[int][]byte),
		state:       StateAwaitingChunks,
	}
}

// add stores payload at index. It reports false for a duplicate or
// out-of-range index, leaving the session untouched.
func (s *receiveSession) add(index int, payload []byte) bool {
	if s.state != StateAwaitingChunks || index < 0 || index >= s.totalChunks {
		return false
	}
	if _, exists := s.chunks[index]; exists {
		return false
	}
	if payload == nil {
		payload = []byte{}
	}
	s.chunks[index] = payload
	s.received++
	s.bytes += int64(len(payload))
	return true
}

func (s *receiveSession) complete() bool {
	return s.received == s.totalChunks
}

func (s *receiveSession) fraction() float64 {
	return float64(s.received) / float64(s.totalChunks)
}

func (s *receiveSession) missing() []int {
	var missing []int
	for i := 0; i < s.totalChunks; i++ {
		if _, ok := s.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// assemble concatenates the chunks in index order and releases them. The
// session ends in StateComplete or StateError.
func (s *receiveSession) assemble(now time.Time) (AssembledFile, error) {
	s.state = StateAssembling
	defer s.release()

	if missing := s.missing(); len(missing) > 0 {
		s.state = StateError
		return AssembledFile{}, fmt.Errorf("%w: %d of %d chunks absent (first %d)", ErrMissingChunks, len(missing), s.totalChunks, missing[0])
	}

	data := make([]byte, 0, s.bytes)
	for i := 0; i < s.totalChunks; i++ {
		data = append(data, s.chunks[i]...)
	}

	s.state = StateComplete
	return AssembledFile{
		TransferID: s.transferID,
		Data:       data,
		FileName:   s.fileName,
		MimeType:   s.mimeType,
		Elapsed:    now.Sub(s.startedAt),
		Digest:     chunk.Digest(data),
	}, nil
}

func (s *receiveSession) release() {
	s.chunks = nil
}

// exceeds reports whether the bytes received so far are over limit.
func (s *receiveSession) exceeds(limit int64) bool {
	return limit > 0 && s.bytes > limit
}
