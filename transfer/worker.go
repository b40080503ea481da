package transfer

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"filedrop/chunk"
)

// DefaultWorkerQueueSize is the inbox capacity used when WorkerOptions leaves
// QueueSize unset.
const DefaultWorkerQueueSize = 256

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	AssemblerOptions
	// QueueSize bounds the messages waiting for the reassembly goroutine.
	QueueSize int
}

// Worker reassembles files on a dedicated goroutine. The control path only
// exchanges Messages with it; sessions and their buffers live on the worker
// goroutine alone. Events are invoked from a separate dispatch goroutine, in
// the order the worker produced them.
type Worker struct {
	options AssemblerOptions
	log     logrus.FieldLogger

	inbox  chan Message
	outbox chan Message
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	// sendMu orders inbox sends so that Init always precedes its AddChunks.
	sendMu sync.Mutex

	mu       sync.Mutex
	known    map[string]int
	finished *Tombstones
	closed   bool
}

var _ Reassembler = (*Worker)(nil)

// NewWorker starts the reassembly and dispatch goroutines.
func NewWorker(options WorkerOptions) *Worker {
	opts := options.AssemblerOptions.withDefaults()
	queueSize := options.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultWorkerQueueSize
	}

	w := &Worker{
		options:  opts,
		log:      opts.Logger.WithField("component", "reassembly_worker"),
		inbox:    make(chan Message, queueSize),
		outbox:   make(chan Message, queueSize),
		done:     make(chan struct{}),
		known:    make(map[string]int),
		finished: NewTombstones(opts.TombstoneLimit),
	}

	w.wg.Add(2)
	go w.reassembleLoop()
	go w.dispatchLoop()
	return w
}

// OnChunk validates env and queues it for the worker goroutine.
func (w *Worker) OnChunk(env chunk.Envelope) (Outcome, error) {
	if err := env.Validate(w.options.MaxChunkSize); err != nil {
		w.log.WithError(err).WithField("transfer_id", env.TransferID).Warn("Rejecting malformed envelope")
		return Outcome{Kind: OutcomeRejected, TransferID: env.TransferID}, err
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return Outcome{Kind: OutcomeRejected, TransferID: env.TransferID}, ErrClosed
	}
	if w.finished.Contains(env.TransferID) {
		w.mu.Unlock()
		return Outcome{Kind: OutcomeDuplicate, TransferID: env.TransferID}, nil
	}
	total, known := w.known[env.TransferID]
	if known && total != env.TotalChunks {
		w.mu.Unlock()
		err := fmt.Errorf("%w: session %s expects %d, envelope says %d", ErrTotalChunksMismatch, env.TransferID, total, env.TotalChunks)
		w.log.WithError(err).Warn("Rejecting envelope")
		return Outcome{Kind: OutcomeRejected, TransferID: env.TransferID}, err
	}
	if !known {
		w.known[env.TransferID] = env.TotalChunks
	}
	w.mu.Unlock()

	if !known {
		w.log.WithFields(logrus.Fields{
			"function":     "OnChunk",
			"transfer_id":  env.TransferID,
			"file_name":    env.FileName,
			"total_chunks": env.TotalChunks,
		}).Info("Receiving new file")

		start := Init{
			TransferID:  env.TransferID,
			TotalChunks: env.TotalChunks,
			FileName:    env.FileName,
			MimeType:    env.MimeType,
			StartedAt:   w.options.Now(),
		}
		if err := w.post(start); err != nil {
			return Outcome{Kind: OutcomeRejected, TransferID: env.TransferID}, err
		}
	}

	add := AddChunk{TransferID: env.TransferID, Index: env.Index, Payload: env.Payload}
	if err := w.post(add); err != nil {
		return Outcome{Kind: OutcomeRejected, TransferID: env.TransferID}, err
	}
	return Outcome{Kind: OutcomeQueued, TransferID: env.TransferID, TotalChunks: env.TotalChunks}, nil
}

// Drop abandons the listed sessions. Ids the worker already finished are
// ignored.
func (w *Worker) Drop(reason error, transferIDs ...string) {
	if len(transferIDs) == 0 {
		return
	}
	if reason == nil {
		reason = ErrCancelled
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	var ids []string
	for _, id := range transferIDs {
		if _, ok := w.known[id]; ok {
			ids = append(ids, id)
		}
	}
	w.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	_ = w.post(Drop{TransferIDs: ids, Reason: reason})
}

// Cleanup discards every in-flight session without reporting them.
func (w *Worker) Cleanup() {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.known = make(map[string]int)
	w.finished.Purge()
	w.mu.Unlock()

	_ = w.post(Cleanup{})
}

// Close stops both goroutines. Messages still queued are discarded.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

// Active returns the number of files the control path has seen start but not
// yet finish.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.known)
}

func (w *Worker) post(msg Message) error {
	select {
	case w.inbox <- msg:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

func (w *Worker) emit(msg Message) bool {
	select {
	case w.outbox <- msg:
		return true
	case <-w.done:
		return false
	}
}

// reassembleLoop owns every receive session.
func (w *Worker) reassembleLoop() {
	defer w.wg.Done()

	sessions := make(map[string]*receiveSession)
	for {
		select {
		case <-w.done:
			for _, session := range sessions {
				session.release()
			}
			return
		case msg := <-w.inbox:
			if !w.handle(sessions, msg) {
				return
			}
		}
	}
}

func (w *Worker) handle(sessions map[string]*receiveSession, msg Message) bool {
	switch m := msg.(type) {
	case Init:
		if _, exists := sessions[m.TransferID]; !exists {
			sessions[m.TransferID] = newReceiveSession(m.TransferID, m.TotalChunks, m.FileName, m.MimeType, m.StartedAt)
		}
		return true

	case AddChunk:
		session, ok := sessions[m.TransferID]
		if !ok || !session.add(m.Index, m.Payload) {
			return true
		}
		if session.exceeds(w.options.MaxFileSize) {
			session.release()
			delete(sessions, m.TransferID)
			err := fmt.Errorf("%w: received more than %d bytes", ErrFileTooLarge, w.options.MaxFileSize)
			return w.emit(Error{TransferID: m.TransferID, Reason: err})
		}
		progress := Progress{TransferID: m.TransferID, ReceivedCount: session.received, TotalChunks: session.totalChunks}
		if !w.emit(progress) {
			return false
		}
		if !session.complete() {
			return true
		}

		delete(sessions, m.TransferID)
		file, err := session.assemble(w.options.Now())
		if err != nil {
			return w.emit(Error{TransferID: m.TransferID, Reason: err})
		}
		return w.emit(Complete{
			TransferID: file.TransferID,
			Data:       file.Data,
			FileName:   file.FileName,
			MimeType:   file.MimeType,
			Elapsed:    file.Elapsed,
			Digest:     file.Digest,
		})

	case Cleanup:
		for id, session := range sessions {
			session.release()
			delete(sessions, id)
		}
		return true

	case Drop:
		for _, id := range m.TransferIDs {
			session, ok := sessions[id]
			if !ok {
				continue
			}
			session.state = StateError
			session.release()
			delete(sessions, id)
			if !w.emit(Error{TransferID: id, Reason: m.Reason}) {
				return false
			}
		}
		return true

	default:
		w.log.WithField("message", fmt.Sprintf("%T", msg)).Warn("Unexpected message on worker inbox")
		return true
	}
}

// dispatchLoop turns worker output into Events.
func (w *Worker) dispatchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case msg := <-w.outbox:
			w.dispatch(msg)
		}
	}
}

func (w *Worker) dispatch(msg Message) {
	switch m := msg.(type) {
	case Progress:
		fraction := Outcome{ReceivedCount: m.ReceivedCount, TotalChunks: m.TotalChunks}.Fraction()
		w.options.Events.receiveProgress(m.TransferID, fraction)

	case Complete:
		w.finish(m.TransferID)
		w.log.WithFields(logrus.Fields{
			"function":    "dispatch",
			"transfer_id": m.TransferID,
			"file_name":   m.FileName,
			"bytes":       len(m.Data),
			"elapsed":     m.Elapsed,
		}).Info("File assembled")
		w.options.Events.fileAssembled(m.file())

	case Error:
		w.finish(m.TransferID)
		w.log.WithError(m.Reason).WithField("transfer_id", m.TransferID).Error("Incoming file failed")
		w.options.Events.transferFailed(m.TransferID, m.Reason)

	default:
		w.log.WithField("message", fmt.Sprintf("%T", msg)).Warn("Unexpected message on worker outbox")
	}
}

func (w *Worker) finish(transferID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.known, transferID)
	w.finished.Add(transferID)
}
