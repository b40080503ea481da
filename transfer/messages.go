package transfer

import "time"

// Message is one tagged message crossing the boundary between the control
// path and the reassembly worker. The set is closed: Init, AddChunk, Cleanup
// and Drop flow to the worker; Progress, Complete and Error flow back.
type Message interface {
	isMessage()
}

// Init opens a receive session.
type Init struct {
	TransferID  string
	TotalChunks int
	FileName    string
	MimeType    string
	StartedAt   time.Time
}

// AddChunk hands one payload to the worker. The worker owns Payload from
// then on.
type AddChunk struct {
	TransferID string
	Index      int
	Payload    []byte
}

// Progress reports a newly stored chunk.
type Progress struct {
	TransferID    string
	ReceivedCount int
	TotalChunks   int
}

// Complete carries an assembled file.
type Complete struct {
	TransferID string
	Data       []byte
	FileName   string
	MimeType   string
	Elapsed    time.Duration
	Digest     string
}

// Error reports a session that ended without a file.
type Error struct {
	TransferID string
	Reason     error
}

// Cleanup discards every in-flight session silently.
type Cleanup struct{}

// Drop discards the listed sessions, answering each one that still existed
// with an Error carrying Reason.
type Drop struct {
	TransferIDs []string
	Reason      error
}

func (Init) isMessage()     {}
func (AddChunk) isMessage() {}
func (Progress) isMessage() {}
func (Complete) isMessage() {}
func (Error) isMessage()    {}
func (Cleanup) isMessage()  {}
func (Drop) isMessage()     {}

func (c Complete) file() AssembledFile {
	return AssembledFile{
		TransferID: c.TransferID,
		Data:       c.Data,
		FileName:   c.FileName,
		MimeType:   c.MimeType,
		Elapsed:    c.Elapsed,
		Digest:     c.Digest,
	}
}
