package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"filedrop/channel"
	"filedrop/chunk"
)

const (
	// DefaultConcurrencyLimit bounds in-flight chunk sends when unset.
	DefaultConcurrencyLimit = 16
	// DefaultMaxFileSize is the largest file accepted when unset.
	DefaultMaxFileSize int64 = 1 << 30

	progressLogEvery = 10
)

// File is one outgoing file held in memory.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// SchedulerOptions configures a Scheduler. All values are fixed for the
// scheduler's lifetime.
type SchedulerOptions struct {
	Adapter          channel.Adapter
	ChunkSize        int
	ConcurrencyLimit int
	MaxFileSize      int64
	Events           Events
	Logger           logrus.FieldLogger
}

// SendStatus is a snapshot of one in-flight send.
type SendStatus struct {
	TransferID      string
	PeerID          string
	FileName        string
	CompletedChunks int
	TotalChunks     int
	StartedAt       time.Time
}

// Fraction returns CompletedChunks/TotalChunks.
func (s SendStatus) Fraction() float64 {
	if s.TotalChunks <= 0 {
		return 0
	}
	return float64(s.CompletedChunks) / float64(s.TotalChunks)
}

type sendSession struct {
	transferID  string
	peerID      string
	fileName    string
	totalChunks int
	startedAt   time.Time
	cancel      context.CancelCauseFunc

	mu        sync.Mutex
	completed int
}

// Scheduler splits files into chunks and sends them in bounded waves.
type Scheduler struct {
	options  SchedulerOptions
	log      logrus.FieldLogger
	sessions *Registry[*sendSession]
}

// NewScheduler creates a scheduler sending over options.Adapter.
func NewScheduler(options SchedulerOptions) *Scheduler {
	if options.ChunkSize <= 0 {
		options.ChunkSize = chunk.DefaultChunkSize
	}
	if options.ConcurrencyLimit <= 0 {
		options.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if options.MaxFileSize <= 0 {
		options.MaxFileSize = DefaultMaxFileSize
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	return &Scheduler{
		options:  options,
		log:      options.Logger.WithField("component", "scheduler"),
		sessions: NewRegistry[*sendSession](),
	}
}

// Send transfers file to peerID and blocks until every chunk has been
// submitted or the session fails. onProgress may be nil.
//
// An empty or already active transferID is refused without any event. Every
// other failure is reported exactly once through OnTransferFailed and
// returned.
func (s *Scheduler) Send(ctx context.Context, peerID, transferID string, file File, onProgress func(fraction float64)) error {
	if strings.TrimSpace(transferID) == "" {
		return ErrInvalidTransferID
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	session := &sendSession{
		transferID:  transferID,
		peerID:      peerID,
		fileName:    file.Name,
		totalChunks: chunk.TotalChunks(int64(len(file.Data)), s.options.ChunkSize),
		startedAt:   time.Now(),
		cancel:      cancel,
	}
	if err := s.sessions.Create(transferID, session); err != nil {
		return err
	}
	defer s.sessions.Destroy(transferID)

	log := s.log.WithFields(logrus.Fields{
		"function":     "Send",
		"transfer_id":  transferID,
		"peer_id":      peerID,
		"file_name":    file.Name,
		"total_chunks": session.totalChunks,
	})

	if size := int64(len(file.Data)); size > s.options.MaxFileSize {
		return s.fail(log, session, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, size, s.options.MaxFileSize))
	}
	if !s.options.Adapter.IsOpen(peerID) {
		return s.fail(log, session, fmt.Errorf("%w: peer %s", ErrChannelUnavailable, peerID))
	}

	log.WithField("bytes", len(file.Data)).Info("Sending file")

	limit := s.options.ConcurrencyLimit
	for start := 0; start < session.totalChunks; start += limit {
		if ctx.Err() != nil {
			return s.fail(log, session, s.cancelReason(ctx, ctx.Err()))
		}

		end := min(start+limit, session.totalChunks)
		group, waveCtx := errgroup.WithContext(ctx)
		for index := start; index < end; index++ {
			group.Go(func() error {
				return s.sendChunk(waveCtx, log, session, file, index, onProgress)
			})
		}
		if err := group.Wait(); err != nil {
			return s.fail(log, session, s.cancelReason(ctx, err))
		}
	}
	if cause := context.Cause(ctx); cause != nil {
		return s.fail(log, session, s.cancelReason(ctx, cause))
	}

	elapsed := time.Since(session.startedAt)
	log.WithFields(logrus.Fields{
		"elapsed":    elapsed,
		"throughput": throughput(int64(len(file.Data)), elapsed),
	}).Info("File sent")
	return nil
}

func (s *Scheduler) sendChunk(ctx context.Context, log logrus.FieldLogger, session *sendSession, file File, index int, onProgress func(float64)) error {
	payload, err := chunk.Slice(file.Data, s.options.ChunkSize, index)
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %w", ErrChunkSendFailure, index, err)
	}

	message, err := chunk.Encode(chunk.Envelope{
		TransferID:  session.transferID,
		Index:       index,
		TotalChunks: session.totalChunks,
		Payload:     payload,
		FileName:    file.Name,
		MimeType:    file.MimeType,
	})
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %w", ErrChunkSendFailure, index, err)
	}

	if err := s.options.Adapter.Send(ctx, session.peerID, message); err != nil {
		if errors.Is(err, channel.ErrNotConnected) {
			return fmt.Errorf("%w: chunk %d: %w", ErrChannelUnavailable, index, err)
		}
		return fmt.Errorf("%w: chunk %d: %w", ErrChunkSendFailure, index, err)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	session.completed++
	fraction := float64(session.completed) / float64(session.totalChunks)
	if onProgress != nil {
		onProgress(fraction)
	}
	s.options.Events.sendProgress(session.transferID, fraction)

	if session.completed%progressLogEvery == 0 {
		log.WithFields(logrus.Fields{
			"completed":  session.completed,
			"throughput": throughput(int64(session.completed)*int64(s.options.ChunkSize), time.Since(session.startedAt)),
		}).Debug("Send progress")
	}
	return nil
}

// cancelReason prefers the cause recorded by Cancel or CancelPeer over the
// error a cancelled chunk send produced.
func (s *Scheduler) cancelReason(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if cause == nil {
		return err
	}
	if errors.Is(cause, ErrCancelled) || errors.Is(cause, ErrChannelUnavailable) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func (s *Scheduler) fail(log logrus.FieldLogger, session *sendSession, err error) error {
	log.WithError(err).Error("Send failed")
	s.options.Events.transferFailed(session.transferID, err)
	return err
}

// Active returns the in-flight sends ordered by start time.
func (s *Scheduler) Active() []SendStatus {
	var out []SendStatus
	s.sessions.Range(func(_ string, session *sendSession) bool {
		session.mu.Lock()
		out = append(out, SendStatus{
			TransferID:      session.transferID,
			PeerID:          session.peerID,
			FileName:        session.fileName,
			CompletedChunks: session.completed,
			TotalChunks:     session.totalChunks,
			StartedAt:       session.startedAt,
		})
		session.mu.Unlock()
		return true
	})
	slices.SortFunc(out, func(a, b SendStatus) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Cancel aborts one in-flight send. It reports whether the transfer was active.
func (s *Scheduler) Cancel(transferID string) bool {
	session, ok := s.sessions.Get(transferID)
	if !ok {
		return false
	}
	session.cancel(ErrCancelled)
	return true
}

// CancelPeer aborts every in-flight send addressed to peerID with cause and
// returns how many were cancelled.
func (s *Scheduler) CancelPeer(peerID string, cause error) int {
	if cause == nil {
		cause = ErrCancelled
	}
	cancelled := 0
	s.sessions.Range(func(_ string, session *sendSession) bool {
		if session.peerID == peerID {
			session.cancel(cause)
			cancelled++
		}
		return true
	})
	return cancelled
}

// throughput formats bytes per second as MB/s.
func throughput(bytes int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.2f MB/s", float64(bytes)/elapsed.Seconds()/(1<<20))
}
