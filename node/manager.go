// Package node wires a channel adapter, the transfer scheduler, a reassembler
// and the transfer ledger into one per-process file transfer endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"filedrop/channel"
	"filedrop/chunk"
	"filedrop/config"
	"filedrop/models"
	"filedrop/storage"
	"filedrop/transfer"
)

var (
	// ErrNoLedger indicates a ledger query on a manager without a store.
	ErrNoLedger = errors.New("node: no transfer ledger configured")
	// ErrClosed indicates the manager has been shut down.
	ErrClosed = errors.New("node: manager closed")
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Adapter channel.Adapter
	// Store is optional; without it nothing is recorded.
	Store *storage.Store

	ChunkSize        int
	ConcurrencyLimit int
	MaxFileSize      int64
	// Reassembly selects config.ReassemblyWorker (default) or config.ReassemblySync.
	Reassembly      string
	WorkerQueueSize int

	Events transfer.Events
	Logger logrus.FieldLogger
}

// Manager sends files to attached peers and reassembles the files they send.
type Manager struct {
	options ManagerOptions
	log     logrus.FieldLogger

	scheduler   *transfer.Scheduler
	reassembler transfer.Reassembler

	mu       sync.Mutex
	peers    map[string]struct{}
	incoming map[string]string
	finished *transfer.Tombstones
	closed   bool

	wg sync.WaitGroup
}

// Outgoing tracks one file handed to SendFile or SendBytes.
type Outgoing struct {
	TransferID  string
	PeerID      string
	FileName    string
	TotalChunks int
	// Digest is the hex blake2b-256 of the file contents.
	Digest string

	progress atomic.Uint64
	done     chan struct{}
	err      error
}

// Progress returns the fraction of chunks submitted so far.
func (o *Outgoing) Progress() float64 {
	return math.Float64frombits(o.progress.Load())
}

// Done is closed once the send has finished.
func (o *Outgoing) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the send finishes or ctx ends, returning the send error.
func (o *Outgoing) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewManager builds a manager around options.Adapter.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Adapter == nil {
		return nil, errors.New("node: adapter is required")
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = chunk.DefaultChunkSize
	}
	if options.MaxFileSize <= 0 {
		options.MaxFileSize = transfer.DefaultMaxFileSize
	}
	if options.Reassembly == "" {
		options.Reassembly = config.ReassemblyWorker
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if limiter, ok := options.Adapter.(channel.Limiter); ok {
		if limit := limiter.MaxMessageSize(); limit > 0 && chunk.MaxEncodedSize(options.ChunkSize) > limit {
			return nil, fmt.Errorf("%w: chunk size %d encodes to %d bytes, adapter limit %d (use at most %d)",
				channel.ErrMessageTooLarge, options.ChunkSize, chunk.MaxEncodedSize(options.ChunkSize), limit, chunk.MaxChunkSizeFor(limit))
		}
	}

	m := &Manager{
		options:  options,
		log:      options.Logger.WithField("component", "node"),
		peers:    make(map[string]struct{}),
		incoming: make(map[string]string),
		finished: transfer.NewTombstones(0),
	}

	m.scheduler = transfer.NewScheduler(transfer.SchedulerOptions{
		Adapter:          options.Adapter,
		ChunkSize:        options.ChunkSize,
		ConcurrencyLimit: options.ConcurrencyLimit,
		MaxFileSize:      options.MaxFileSize,
		Events: transfer.Events{
			OnSendProgress:   options.Events.OnSendProgress,
			OnTransferFailed: options.Events.OnTransferFailed,
		},
		Logger: options.Logger,
	})

	assemblerOptions := transfer.AssemblerOptions{
		MaxChunkSize: options.ChunkSize,
		MaxFileSize:  options.MaxFileSize,
		Events: transfer.Events{
			OnReceiveProgress: options.Events.OnReceiveProgress,
			OnFileAssembled:   m.fileAssembled,
			OnTransferFailed:  m.receiveFailed,
		},
		Logger: options.Logger,
	}
	switch options.Reassembly {
	case config.ReassemblyWorker:
		m.reassembler = transfer.NewWorker(transfer.WorkerOptions{
			AssemblerOptions: assemblerOptions,
			QueueSize:        options.WorkerQueueSize,
		})
	case config.ReassemblySync:
		m.reassembler = transfer.NewAssembler(assemblerOptions)
	default:
		return nil, fmt.Errorf("node: invalid reassembly mode %q", options.Reassembly)
	}

	if options.Store != nil {
		if n, err := options.Store.FailPendingTransfers("interrupted by restart"); err != nil {
			m.log.WithError(err).Warn("Failed to close out stale transfers")
		} else if n > 0 {
			m.log.WithField("count", n).Info("Marked interrupted transfers failed")
		}
	}

	return m, nil
}

// Attach starts receiving from peerID and watches its channel for closure.
func (m *Manager) Attach(peerID string) error {
	return m.AttachAddress(peerID, "")
}

// AttachAddress is Attach that also records the peer's network address.
func (m *Manager) AttachAddress(peerID, address string) error {
	if strings.TrimSpace(peerID) == "" {
		return errors.New("node: peer id is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.peers[peerID] = struct{}{}
	m.mu.Unlock()

	m.options.Adapter.OnMessage(peerID, func(message []byte) {
		m.handleMessage(peerID, message)
	})
	m.options.Adapter.OnClose(peerID, func(err error) {
		m.handlePeerClosed(peerID, err)
	})

	if m.options.Store != nil {
		if err := m.options.Store.TouchPeer(peerID, address); err != nil {
			m.log.WithError(err).WithField("peer_id", peerID).Warn("Failed to record peer")
		}
	}

	m.log.WithFields(logrus.Fields{
		"function": "Attach",
		"peer_id":  peerID,
		"address":  address,
	}).Info("Peer attached")
	return nil
}

// Peers returns the currently attached peer ids.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.peers))
	for id := range m.peers {
		peers = append(peers, id)
	}
	return peers
}

// SendFile reads path and sends it to peerID. The size limit is checked
// before the file is read.
func (m *Manager) SendFile(ctx context.Context, peerID, path string) (*Outgoing, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("node: source path is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("node: source path must be a file")
	}
	if info.Size() > m.options.MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", transfer.ErrFileTooLarge, path, info.Size(), m.options.MaxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}

	name := filepath.Base(path)
	return m.SendBytes(ctx, peerID, name, mime.TypeByExtension(strings.ToLower(filepath.Ext(name))), data)
}

// SendBytes sends data to peerID as a new transfer and returns immediately.
// The transfer runs until it completes, fails, or ctx is cancelled.
func (m *Manager) SendBytes(ctx context.Context, peerID, name, mimeType string, data []byte) (*Outgoing, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("node: file name is required")
	}
	if len(name) > chunk.MaxFileNameLength {
		return nil, fmt.Errorf("node: file name longer than %d bytes", chunk.MaxFileNameLength)
	}
	if mimeType == "" {
		mimeType = chunk.DefaultMimeType
	}
	if len(mimeType) > chunk.MaxMimeTypeLength {
		return nil, fmt.Errorf("node: mime type longer than %d bytes", chunk.MaxMimeTypeLength)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	out := &Outgoing{
		TransferID:  uuid.NewString(),
		PeerID:      peerID,
		FileName:    name,
		TotalChunks: chunk.TotalChunks(int64(len(data)), m.options.ChunkSize),
		Digest:      chunk.Digest(data),
		done:        make(chan struct{}),
	}

	m.record(storage.Transfer{
		TransferID:  out.TransferID,
		Direction:   storage.DirectionSend,
		PeerID:      peerID,
		FileName:    name,
		MimeType:    mimeType,
		FileSize:    int64(len(data)),
		TotalChunks: out.TotalChunks,
	})

	file := transfer.File{Name: name, MimeType: mimeType, Data: data}
	go func() {
		defer m.wg.Done()
		defer close(out.done)

		out.err = m.scheduler.Send(ctx, peerID, out.TransferID, file, func(fraction float64) {
			out.progress.Store(math.Float64bits(fraction))
		})
		if out.err != nil {
			m.finishRecord(out.TransferID, storage.DirectionSend, storage.StatusFailed, "", out.err.Error())
			return
		}
		m.finishRecord(out.TransferID, storage.DirectionSend, storage.StatusComplete, out.Digest, "")
	}()

	return out, nil
}

// ActiveSends returns the sends still in flight.
func (m *Manager) ActiveSends() []transfer.SendStatus {
	return m.scheduler.Active()
}

// CancelSend aborts one in-flight send.
func (m *Manager) CancelSend(transferID string) bool {
	return m.scheduler.Cancel(transferID)
}

// History lists recorded transfers, newest first. An empty direction lists both.
func (m *Manager) History(direction string) ([]models.Transfer, error) {
	if m.options.Store == nil {
		return nil, ErrNoLedger
	}
	rows, err := m.options.Store.ListTransfers(direction)
	if err != nil {
		return nil, err
	}
	return TransferModels(rows), nil
}

// KnownPeers lists every peer recorded in the ledger.
func (m *Manager) KnownPeers() ([]models.Peer, error) {
	if m.options.Store == nil {
		return nil, ErrNoLedger
	}
	rows, err := m.options.Store.ListPeers()
	if err != nil {
		return nil, err
	}
	return PeerModels(rows), nil
}

// Close cancels in-flight sends, waits for them and stops reassembly.
// Incomplete incoming files are discarded without events.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	for _, status := range m.scheduler.Active() {
		m.scheduler.Cancel(status.TransferID)
	}
	m.wg.Wait()

	m.reassembler.Cleanup()
	return m.reassembler.Close()
}

func (m *Manager) handleMessage(peerID string, message []byte) {
	env, err := chunk.Decode(message, m.options.ChunkSize)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"function": "handleMessage",
			"peer_id":  peerID,
			"bytes":    len(message),
		}).Warn("Dropping malformed message")
		return
	}

	if !m.trackIncoming(peerID, env) {
		m.log.WithFields(logrus.Fields{
			"function":    "handleMessage",
			"peer_id":     peerID,
			"transfer_id": env.TransferID,
		}).Warn("Dropping chunk for a transfer owned by another peer")
		return
	}

	if _, err := m.reassembler.OnChunk(env); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"function":    "handleMessage",
			"peer_id":     peerID,
			"transfer_id": env.TransferID,
			"chunk_index": env.Index,
		}).Warn("Chunk rejected")
	}
}

// trackIncoming binds a transfer to the peer that sent its first chunk and
// records it. It reports false for a chunk from any other peer.
func (m *Manager) trackIncoming(peerID string, env chunk.Envelope) bool {
	m.mu.Lock()
	if m.finished.Contains(env.TransferID) {
		m.mu.Unlock()
		return true
	}
	if owner, known := m.incoming[env.TransferID]; known {
		m.mu.Unlock()
		return owner == peerID
	}
	m.incoming[env.TransferID] = peerID
	m.mu.Unlock()

	m.record(storage.Transfer{
		TransferID:  env.TransferID,
		Direction:   storage.DirectionReceive,
		PeerID:      peerID,
		FileName:    env.FileName,
		MimeType:    env.MimeType,
		TotalChunks: env.TotalChunks,
	})
	return true
}

func (m *Manager) forgetIncoming(transferID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.incoming, transferID)
	m.finished.Add(transferID)
}

func (m *Manager) fileAssembled(file transfer.AssembledFile) {
	m.forgetIncoming(file.TransferID)
	if m.options.Store != nil {
		if err := m.options.Store.UpdateTransferSize(file.TransferID, storage.DirectionReceive, int64(len(file.Data))); err != nil {
			m.log.WithError(err).WithField("transfer_id", file.TransferID).Warn("Failed to record file size")
		}
	}
	m.finishRecord(file.TransferID, storage.DirectionReceive, storage.StatusComplete, file.Digest, "")
	if m.options.Events.OnFileAssembled != nil {
		m.options.Events.OnFileAssembled(file)
	}
}

func (m *Manager) receiveFailed(transferID string, err error) {
	m.forgetIncoming(transferID)
	m.finishRecord(transferID, storage.DirectionReceive, storage.StatusFailed, "", err.Error())
	if m.options.Events.OnTransferFailed != nil {
		m.options.Events.OnTransferFailed(transferID, err)
	}
}

// handlePeerClosed abandons every send and receive bound to peerID. Each
// abandoned session reports exactly one failure.
func (m *Manager) handlePeerClosed(peerID string, closeErr error) {
	cause := fmt.Errorf("%w: peer %s closed", transfer.ErrChannelUnavailable, peerID)
	if closeErr != nil {
		cause = fmt.Errorf("%w: peer %s closed: %w", transfer.ErrChannelUnavailable, peerID, closeErr)
	}

	m.mu.Lock()
	delete(m.peers, peerID)
	var receiving []string
	for id, owner := range m.incoming {
		if owner == peerID {
			receiving = append(receiving, id)
		}
	}
	m.mu.Unlock()

	sending := m.scheduler.CancelPeer(peerID, cause)
	m.reassembler.Drop(cause, receiving...)

	entry := m.log.WithFields(logrus.Fields{
		"function":  "handlePeerClosed",
		"peer_id":   peerID,
		"sending":   sending,
		"receiving": len(receiving),
	})
	if closeErr != nil {
		entry = entry.WithError(closeErr)
	}
	entry.Info("Peer channel closed")
}

func (m *Manager) record(row storage.Transfer) {
	if m.options.Store == nil {
		return
	}
	if err := m.options.Store.SaveTransfer(row); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"transfer_id": row.TransferID,
			"direction":   row.Direction,
		}).Warn("Failed to record transfer")
	}
}

func (m *Manager) finishRecord(transferID, direction, status, digest, errMsg string) {
	if m.options.Store == nil {
		return
	}
	if err := m.options.Store.UpdateTransferStatus(transferID, direction, status, digest, errMsg); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"transfer_id": transferID,
			"direction":   direction,
			"status":      status,
		}).Warn("Failed to update transfer record")
	}
}

// TransferModels converts ledger rows to their shared representation.
func TransferModels(rows []storage.Transfer) []models.Transfer {
	out := make([]models.Transfer, 0, len(rows))
	for _, row := range rows {
		t := models.Transfer{
			TransferID:  row.TransferID,
			Direction:   row.Direction,
			PeerID:      row.PeerID,
			FileName:    row.FileName,
			MimeType:    row.MimeType,
			FileSize:    row.FileSize,
			TotalChunks: row.TotalChunks,
			Status:      row.Status,
			Digest:      row.Digest,
			Error:       row.Error,
			StartedAt:   row.StartedAt,
		}
		if row.FinishedAt != nil {
			t.FinishedAt = *row.FinishedAt
		}
		out = append(out, t)
	}
	return out
}

// PeerModels converts peer rows to their shared representation.
func PeerModels(rows []storage.Peer) []models.Peer {
	out := make([]models.Peer, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Peer{
			PeerID:    row.PeerID,
			Address:   row.Address,
			FirstSeen: row.FirstSeen,
			LastSeen:  row.LastSeen,
		})
	}
	return out
}
