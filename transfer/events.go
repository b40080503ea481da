package transfer

import "time"

// AssembledFile is a fully reassembled incoming file.
type AssembledFile struct {
	TransferID string
	Data       []byte
	FileName   string
	MimeType   string
	Elapsed    time.Duration
	// Digest is the hex blake2b-256 of Data.
	Digest string
}

// Events are the notifications surfaced to the surrounding application.
// Any callback may be nil. Callbacks must not block on the component that
// invokes them.
type Events struct {
	OnSendProgress    func(transferID string, fraction float64)
	OnReceiveProgress func(transferID string, fraction float64)
	OnFileAssembled   func(file AssembledFile)
	OnTransferFailed  func(transferID string, err error)
}

func (e Events) sendProgress(transferID string, fraction float64) {
	if e.OnSendProgress != nil {
		e.OnSendProgress(transferID, fraction)
	}
}

func (e Events) receiveProgress(transferID string, fraction float64) {
	if e.OnReceiveProgress != nil {
		e.OnReceiveProgress(transferID, fraction)
	}
}

func (e Events) fileAssembled(file AssembledFile) {
	if e.OnFileAssembled != nil {
		e.OnFileAssembled(file)
	}
}

func (e Events) transferFailed(transferID string, err error) {
	if e.OnTransferFailed != nil {
		e.OnTransferFailed(transferID, err)
	}
}

// OutcomeKind classifies what one inbound chunk did to its session.
type OutcomeKind int

const (
	// OutcomeProgress means the chunk was stored and the file is still incomplete.
	OutcomeProgress OutcomeKind = iota
	// OutcomeComplete means the chunk completed the file and it was assembled.
	OutcomeComplete
	// OutcomeDuplicate means the index was already stored; nothing changed.
	OutcomeDuplicate
	// OutcomeFailed means the session failed and was released.
	OutcomeFailed
	// OutcomeRejected means the envelope was refused before touching a session.
	OutcomeRejected
	// OutcomeQueued means the chunk was handed to the reassembly worker.
	OutcomeQueued
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeProgress:
		return "progress"
	case OutcomeComplete:
		return "complete"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFailed:
		return "failed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Outcome describes the effect of one OnChunk call.
type Outcome struct {
	Kind          OutcomeKind
	TransferID    string
	ReceivedCount int
	TotalChunks   int
	File          *AssembledFile
}

// Fraction returns ReceivedCount/TotalChunks, or 0 when unknown.
func (o Outcome) Fraction() float64 {
	if o.TotalChunks <= 0 {
		return 0
	}
	return float64(o.ReceivedCount) / float64(o.TotalChunks)
}
