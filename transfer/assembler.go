package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"filedrop/chunk"
)

// Reassembler turns inbound chunk envelopes into assembled files.
//
// OnChunk takes ownership of env.Payload. It returns an error only when the
// envelope is rejected outright (malformed, or disagreeing with its session
// about the chunk count); such anomalies never abort the session. Progress,
// completion and failure are reported through Events.
type Reassembler interface {
	OnChunk(env chunk.Envelope) (Outcome, error)
	// Drop abandons the listed sessions, reporting reason once per session
	// that was still collecting chunks.
	Drop(reason error, transferIDs ...string)
	// Cleanup releases every in-flight session without reporting them.
	Cleanup()
	Close() error
}

// AssemblerOptions configures Assembler and Worker.
type AssemblerOptions struct {
	// MaxChunkSize rejects payloads above it; 0 disables the check.
	MaxChunkSize int
	// MaxFileSize fails a session once its received bytes exceed it; 0 disables the check.
	MaxFileSize int64
	// TombstoneLimit bounds how many finished ids are remembered; 0 uses
	// DefaultTombstoneLimit.
	TombstoneLimit int
	Events         Events
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

func (o AssemblerOptions) withDefaults() AssemblerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Assembler reassembles files synchronously on the caller's goroutine.
type Assembler struct {
	options AssemblerOptions
	log     logrus.FieldLogger

	mu       sync.Mutex
	sessions *Registry[*receiveSession]
	finished *Tombstones
}

var _ Reassembler = (*Assembler)(nil)

// NewAssembler creates a synchronous assembler.
func NewAssembler(options AssemblerOptions) *Assembler {
	opts := options.withDefaults()
	return &Assembler{
		options:  opts,
		log:      opts.Logger.WithField("component", "assembler"),
		sessions: NewRegistry[*receiveSession](),
		finished: NewTombstones(opts.TombstoneLimit),
	}
}

// OnChunk stores one chunk and assembles the file once every index is present.
func (a *Assembler) OnChunk(env chunk.Envelope) (Outcome, error) {
	if err := env.Validate(a.options.MaxChunkSize); err != nil {
		a.log.WithError(err).WithField("transfer_id", env.TransferID).Warn("Rejecting malformed envelope")
		return Outcome{Kind: OutcomeRejected, TransferID: env.TransferID}, err
	}

	outcome, failure, err := a.apply(env)
	if err != nil {
		return outcome, err
	}

	switch outcome.Kind {
	case OutcomeFailed:
		a.fail(outcome.TransferID, failure)
	case OutcomeProgress:
		a.options.Events.receiveProgress(outcome.TransferID, outcome.Fraction())
	case OutcomeComplete:
		a.options.Events.receiveProgress(outcome.TransferID, 1)
		a.options.Events.fileAssembled(*outcome.File)
	}
	return outcome, nil
}

// apply mutates session state under the lock. A non-nil failure accompanies
// OutcomeFailed; events are fired by the caller once the lock is released.
func (a *Assembler) apply(env chunk.Envelope) (outcome Outcome, failure error, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished.Contains(env.TransferID) {
		return Outcome{Kind: OutcomeDuplicate, TransferID: env.TransferID}, nil, nil
	}

	session, ok := a.sessions.Get(env.TransferID)
	if !ok {
		session = newReceiveSession(env.TransferID, env.TotalChunks, env.FileName, env.MimeType, a.options.Now())
		_ = a.sessions.Create(env.TransferID, session)
		a.log.WithFields(logrus.Fields{
			"function":     "OnChunk",
			"transfer_id":  env.TransferID,
			"file_name":    env.FileName,
			"total_chunks": env.TotalChunks,
		}).Info("Receiving new file")
	} else if session.totalChunks != env.TotalChunks {
		err = fmt.Errorf("%w: session %s expects %d, envelope says %d", ErrTotalChunksMismatch, env.TransferID, session.totalChunks, env.TotalChunks)
		a.log.WithError(err).Warn("Rejecting envelope")
		return Outcome{Kind: OutcomeRejected, TransferID: env.TransferID}, nil, err
	}

	if !session.add(env.Index, env.Payload) {
		return Outcome{
			Kind:          OutcomeDuplicate,
			TransferID:    env.TransferID,
			ReceivedCount: session.received,
			TotalChunks:   session.totalChunks,
		}, nil, nil
	}

	outcome = Outcome{
		Kind:          OutcomeProgress,
		TransferID:    env.TransferID,
		ReceivedCount: session.received,
		TotalChunks:   session.totalChunks,
	}

	if session.exceeds(a.options.MaxFileSize) {
		a.finish(session)
		outcome.Kind = OutcomeFailed
		return outcome, fmt.Errorf("%w: received more than %d bytes", ErrFileTooLarge, a.options.MaxFileSize), nil
	}

	if !session.complete() {
		return outcome, nil, nil
	}

	file, assembleErr := session.assemble(a.options.Now())
	a.finish(session)
	if assembleErr != nil {
		outcome.Kind = OutcomeFailed
		return outcome, assembleErr, nil
	}

	a.log.WithFields(logrus.Fields{
		"function":    "OnChunk",
		"transfer_id": env.TransferID,
		"file_name":   file.FileName,
		"bytes":       len(file.Data),
		"elapsed":     file.Elapsed,
	}).Info("File assembled")

	outcome.Kind = OutcomeComplete
	outcome.File = &file
	return outcome, nil, nil
}

// Drop abandons the listed sessions.
func (a *Assembler) Drop(reason error, transferIDs ...string) {
	if reason == nil {
		reason = ErrCancelled
	}

	var dropped []string
	a.mu.Lock()
	for _, id := range transferIDs {
		session, ok := a.sessions.Get(id)
		if !ok {
			continue
		}
		session.state = StateError
		a.finish(session)
		dropped = append(dropped, id)
	}
	a.mu.Unlock()

	for _, id := range dropped {
		a.log.WithError(reason).WithField("transfer_id", id).Warn("Dropping incomplete file")
		a.options.Events.transferFailed(id, reason)
	}
}

// Cleanup releases every in-flight session.
func (a *Assembler) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, session := range a.sessions.Clear() {
		session.release()
	}
	a.finished.Purge()
}

// Close releases every in-flight session.
func (a *Assembler) Close() error {
	a.Cleanup()
	return nil
}

// Active returns the number of files still collecting chunks.
func (a *Assembler) Active() int {
	return a.sessions.Len()
}

func (a *Assembler) finish(session *receiveSession) {
	session.release()
	a.sessions.Destroy(session.transferID)
	a.finished.Add(session.transferID)
}

func (a *Assembler) fail(transferID string, err error) {
	a.log.WithError(err).WithField("transfer_id", transferID).Error("Incoming file failed")
	a.options.Events.transferFailed(transferID, err)
}
