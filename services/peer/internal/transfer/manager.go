package transfer

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/p2p-filesharing/peersend/pkg/chunker"
	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
	"github.com/p2p-filesharing/peersend/pkg/resume"
	"github.com/p2p-filesharing/peersend/pkg/throttle"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events"
	"github.com/p2p-filesharing/peersend/services/peer/internal/history"
	"github.com/p2p-filesharing/peersend/services/peer/internal/metrics"
	"github.com/p2p-filesharing/peersend/services/peer/internal/settings"
)

var (
	// ErrNotFound is returned for unknown task or request ids
	ErrNotFound = errors.New("transfer not found")
	// ErrAlreadyRunning is returned when resuming a task that is still active
	ErrAlreadyRunning = errors.New("transfer already running")
)

// Options wires a Manager. Settings is required, the rest is optional.
type Options struct {
	DeviceName      string
	DeviceType      protocol.DeviceType
	AckTimeout      time.Duration
	ApprovalTimeout time.Duration

	Settings    *settings.Service
	Checkpoints *resume.Manager
	History     history.Store
	Events      events.Emitter
	Bandwidth   *throttle.BandwidthManager
	Clock       clock.Clock
}

// IncomingRequest is a transfer waiting for the operator's decision
type IncomingRequest struct {
	ID           string              `json:"id"`
	TaskID       string              `json:"task_id"`
	FileName     string              `json:"file_name"`
	FileSize     int64               `json:"file_size"`
	SenderName   string              `json:"sender_name"`
	SenderDevice protocol.DeviceType `json:"sender_device"`
	RemoteIP     string              `json:"remote_ip"`
	Encrypted    bool                `json:"encrypted"`
	ReceivedAt   time.Time           `json:"received_at"`

	decision chan bool
}

// Manager owns transfer tasks: it dispatches sends by mode, answers
// incoming requests, and records every outcome.
type Manager struct {
	registry    *Registry
	local       *LocalTransport
	cloud       CloudTransport
	chunker     *chunker.Chunker
	settings    *settings.Service
	checkpoints *resume.Manager
	history     history.Store
	events      events.Emitter
	clock       clock.Clock
	log         *logger.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	started  map[string]bool
	incoming map[string]*IncomingRequest
}

// NewManager builds a manager and its local transport
func NewManager(opts Options, log *logger.Logger) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		registry:    NewRegistry(),
		chunker:     chunker.New(protocol.MaxLocalChunkSize),
		settings:    opts.Settings,
		checkpoints: opts.Checkpoints,
		history:     opts.History,
		events:      events.OrNop(opts.Events),
		clock:       clock.OrReal(opts.Clock),
		log:         logger.OrDiscard(log, "Transfer"),
		ctx:         ctx,
		stop:        stop,
		started:     make(map[string]bool),
		incoming:    make(map[string]*IncomingRequest),
	}
	m.local = NewLocalTransport(m.registry, LocalConfig{
		DeviceName:      opts.DeviceName,
		DeviceType:      opts.DeviceType,
		AckTimeout:      opts.AckTimeout,
		ApprovalTimeout: opts.ApprovalTimeout,
		Accept:          m.accept,
		SaveDir:         func() string { return m.settings.Get().Receive.SaveDir },
		Bandwidth:       opts.Bandwidth,
		Checkpoints:     opts.Checkpoints,
		Hooks:           (*taskHooks)(m),
		Clock:           opts.Clock,
	}, m.log)
	return m
}

// Serve runs the receive side on ln until ctx ends
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	return m.local.Serve(ctx, ln)
}

// Close aborts running sends and waits for them to settle
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// SendFile starts sending path to peer and returns the new task. The
// transfer itself runs in the background.
func (m *Manager) SendFile(ctx context.Context, path string, peer *protocol.PeerInfo, mode protocol.TransferMode) (*protocol.TransferTask, error) {
	switch mode {
	case protocol.ModeLocal:
	case protocol.ModeCloud:
		return nil, m.cloud.Send(ctx, nil)
	default:
		return nil, errs.New(errs.InvalidMetadata, "unknown transfer mode %q", mode)
	}
	if peer == nil || peer.IP == "" || peer.Port <= 0 {
		return nil, errs.New(errs.PeerUnreachable, "no peer address")
	}

	md, err := m.chunker.ComputeMetadataWithHashes(path, "")
	if err != nil {
		return nil, err
	}
	chunks := md.Chunks
	md.Chunks = nil

	task := protocol.NewTransferTask(*md, mode, protocol.DirectionSend, peer, m.clock.Now())
	m.launch(task, chunks, 0)
	return task.Clone(), nil
}

// Resume retries an interrupted send from its next unacknowledged chunk,
// keeping the task id so the receiver can find its own checkpoint
func (m *Manager) Resume(ctx context.Context, taskID string) (*protocol.TransferTask, error) {
	if m.checkpoints == nil {
		return nil, ErrNotFound
	}
	info, ok := m.checkpoints.GetResumeInfo(taskID)
	if !ok {
		return nil, ErrNotFound
	}
	if info.Direction != protocol.DirectionSend {
		return nil, errs.New(errs.UnsupportedOperation, "only the sending side can resume %s", taskID)
	}
	if m.registry.Active(taskID) {
		return nil, ErrAlreadyRunning
	}

	md, err := m.chunker.ComputeMetadataWithHashes(info.SourcePath, "")
	if err != nil {
		return nil, err
	}
	if md.Hash != info.FileHash {
		return nil, errs.New(errs.InvalidMetadata, "%s changed since the transfer was interrupted", info.SourcePath)
	}
	host, portStr, err := net.SplitHostPort(info.PeerAddress)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidMetadata, err, "checkpoint peer address %q", info.PeerAddress)
	}
	port, _ := strconv.Atoi(portStr)
	peer := &protocol.PeerInfo{
		ID:   info.PeerName + "-" + host,
		Name: info.PeerName,
		IP:   host,
		Port: port,
	}

	chunks := md.Chunks
	md.Chunks = nil
	task := protocol.NewTransferTask(*md, protocol.ModeLocal, protocol.DirectionSend, peer, m.clock.Now())
	task.ID = info.TaskID
	task.Resumed = true
	task.Resumable = true
	task.ResumeOffset = info.TransferredBytes
	task.TransferredBytes = info.TransferredBytes

	m.launch(task, chunks, info.NextChunkIndex())
	return task.Clone(), nil
}

func (m *Manager) launch(task *protocol.TransferTask, chunks []protocol.ChunkInfo, start int) {
	s := m.settings.Get()
	task.Encrypted = s.Encryption.Enabled
	m.registry.Add(task)
	m.record(task)

	opts := SendOptions{
		Chunks:     chunks,
		ChunkSize:  m.chunker.ChunkSize,
		Compressor: s.Compressor(),
		Encrypt:    s.Encryption.Enabled,
		StartChunk: start,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.local.Send(m.ctx, task, task.Peer.Address(), opts)
	}()
}

// Cancel stops a running task. An interrupted task is discarded together
// with its checkpoint.
func (m *Manager) Cancel(id string) error {
	if m.registry.Cancel(id) {
		m.log.Info("Cancel requested for %s", id)
		return nil
	}
	if m.checkpoints == nil {
		return ErrNotFound
	}
	info, ok := m.checkpoints.GetResumeInfo(id)
	if !ok {
		return ErrNotFound
	}
	if err := m.checkpoints.RemoveResumeInfo(id); err != nil {
		return err
	}
	now := m.clock.Now()
	task, ok := m.registry.Update(id, func(t *protocol.TransferTask) { t.Cancel(now) })
	if !ok {
		task = &protocol.TransferTask{
			ID:        info.TaskID,
			File:      protocol.FileMetadata{Name: info.FileName, Size: info.FileSize, Hash: info.FileHash},
			Mode:      protocol.ModeLocal,
			Direction: info.Direction,
			CreatedAt: info.InterruptedAt,
		}
		task.Cancel(now)
	}
	m.record(task)
	m.events.Emit(events.TransferCancelled, task)
	return nil
}

// Progress returns a snapshot of the task
func (m *Manager) Progress(id string) (*protocol.TransferTask, error) {
	task, ok := m.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return task, nil
}

// List returns every task known to this process, newest first
func (m *Manager) List() []*protocol.TransferTask {
	return m.registry.List()
}

// Checkpoints lists resumable transfers
func (m *Manager) Checkpoints() []resume.ResumeInfo {
	if m.checkpoints == nil {
		return nil
	}
	return m.checkpoints.List()
}

// PendingIncoming lists requests waiting for a decision
func (m *Manager) PendingIncoming() []IncomingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IncomingRequest, 0, len(m.incoming))
	for _, r := range m.incoming {
		out = append(out, *r)
	}
	return out
}

// RespondIncoming accepts or rejects a pending incoming request
func (m *Manager) RespondIncoming(id string, accept bool) error {
	m.mu.Lock()
	req, ok := m.incoming[id]
	if ok {
		delete(m.incoming, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	req.decision <- accept
	return nil
}

// accept is the receive policy: auto-accept from settings, otherwise wait
// for the operator
func (m *Manager) accept(ctx context.Context, fr *protocol.FileRequest, remoteIP string) (bool, string) {
	if m.settings.Get().Receive.AutoAccept {
		return true, ""
	}

	req := &IncomingRequest{
		ID:           uuid.New().String(),
		TaskID:       fr.TaskID,
		FileName:     fr.Metadata.Name,
		FileSize:     fr.Metadata.Size,
		SenderName:   fr.SenderName,
		SenderDevice: fr.SenderDevice,
		RemoteIP:     remoteIP,
		Encrypted:    fr.Encrypted,
		ReceivedAt:   m.clock.Now(),
		decision:     make(chan bool, 1),
	}
	m.mu.Lock()
	m.incoming[req.ID] = req
	m.mu.Unlock()
	m.events.Emit(events.IncomingRequest, *req)

	select {
	case ok := <-req.decision:
		if !ok {
			return false, "declined by receiver"
		}
		return true, ""
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.incoming, req.ID)
		m.mu.Unlock()
		return false, "no decision in time"
	}
}

// taskHooks is the Manager seen as the transport's Hooks
type taskHooks Manager

func (h *taskHooks) Started(task *protocol.TransferTask) {
	m := (*Manager)(h)
	m.mu.Lock()
	m.started[task.ID] = true
	m.mu.Unlock()

	metrics.TransferStarted()
	m.record(task)
	m.events.Emit(events.TransferStarted, task)
}

func (h *taskHooks) Progress(task *protocol.TransferTask) {
	h.events.Emit(events.TransferProgress, task)
}

// Finished settles the task status and the checkpoint
func (h *taskHooks) Finished(id string, lastChunk int, err error) {
	m := (*Manager)(h)
	now := m.clock.Now()
	task, ok := m.registry.Update(id, func(t *protocol.TransferTask) {
		switch {
		case err == nil:
			t.Complete(now)
		case errs.IsKind(err, errs.Cancelled):
			t.Cancel(now)
		case m.resumable(t, err):
			t.Interrupt(err.Error(), t.TransferredBytes, now)
		default:
			t.Fail(err.Error(), now)
		}
	})
	if !ok {
		return
	}

	if m.checkpoints != nil {
		var cerr error
		if task.Status == protocol.StatusInterrupted {
			cerr = m.checkpoints.SaveResumeInfo(resume.FromTask(task, lastChunk, now))
		} else {
			cerr = m.checkpoints.RemoveResumeInfo(id)
		}
		if cerr != nil {
			m.log.Error("Checkpoint for %s: %v", id, cerr)
		}
	}

	m.mu.Lock()
	wasStarted := m.started[id]
	delete(m.started, id)
	m.mu.Unlock()
	if wasStarted {
		metrics.TransferFinished(string(task.Direction), string(task.Status))
	}

	m.record(task)

	switch task.Status {
	case protocol.StatusCompleted:
		m.events.Emit(events.TransferCompleted, task)
	case protocol.StatusCancelled:
		m.events.Emit(events.TransferCancelled, task)
	case protocol.StatusInterrupted:
		m.events.Emit(events.TransferPaused, task)
	default:
		m.events.Emit(events.TransferFailed, task)
	}
}

// resumable decides whether a failure leaves a checkpoint behind. Broken
// connections do; a dial failure only does for a task that was already
// interrupted once.
func (m *Manager) resumable(t *protocol.TransferTask, err error) bool {
	if m.checkpoints == nil || t.Mode != protocol.ModeLocal {
		return false
	}
	switch errs.KindOf(err) {
	case errs.Network, errs.Timeout:
		return true
	case errs.PeerUnreachable:
		return t.Resumed
	}
	return false
}

func (m *Manager) record(task *protocol.TransferTask) {
	if m.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.history.Record(ctx, history.FromTask(task)); err != nil {
		m.log.Warn("History record for %s: %v", task.ID, err)
	}
}
