package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/chunker"
	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/pkg/compression"
	"github.com/p2p-filesharing/peersend/pkg/crypto"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
	"github.com/p2p-filesharing/peersend/pkg/resume"
	"github.com/p2p-filesharing/peersend/pkg/throttle"
	"github.com/p2p-filesharing/peersend/services/peer/internal/metrics"
)

const (
	DefaultAckTimeout      = 30 * time.Second
	DefaultDialTimeout     = 10 * time.Second
	DefaultApprovalTimeout = 2 * time.Minute

	progressInterval = 200 * time.Millisecond
)

// AcceptFunc decides whether an incoming FileRequest from remoteIP is
// accepted. It may block until an operator decides or ctx ends.
type AcceptFunc func(ctx context.Context, req *protocol.FileRequest, remoteIP string) (bool, string)

// AcceptAll is the permissive policy
func AcceptAll(context.Context, *protocol.FileRequest, string) (bool, string) {
	return true, ""
}

// Hooks receive lifecycle notifications for tasks driven by the transport.
// lastChunk is the index of the last acknowledged chunk, -1 if none.
type Hooks interface {
	Started(task *protocol.TransferTask)
	Progress(task *protocol.TransferTask)
	Finished(id string, lastChunk int, err error)
}

type nopHooks struct{}

func (nopHooks) Started(*protocol.TransferTask)  {}
func (nopHooks) Progress(*protocol.TransferTask) {}
func (nopHooks) Finished(string, int, error)     {}

// LocalConfig configures a LocalTransport
type LocalConfig struct {
	DeviceName      string
	DeviceType      protocol.DeviceType
	AckTimeout      time.Duration
	DialTimeout     time.Duration
	ApprovalTimeout time.Duration

	// Accept is consulted for every incoming request; nil accepts everything
	Accept AcceptFunc
	// SaveDir returns the directory new incoming files are written to
	SaveDir func() string
	// Bandwidth throttles both directions when set
	Bandwidth *throttle.BandwidthManager
	// Checkpoints lets the receiver continue an interrupted file
	Checkpoints *resume.Manager
	Hooks       Hooks
	Clock       clock.Clock
}

// LocalTransport moves files over the framed TCP protocol
type LocalTransport struct {
	cfg      LocalConfig
	registry *Registry
	log      *logger.Logger
	clock    clock.Clock
	hooks    Hooks
}

// NewLocalTransport creates a transport that records its tasks in registry
func NewLocalTransport(registry *Registry, cfg LocalConfig, log *logger.Logger) *LocalTransport {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if cfg.Accept == nil {
		cfg.Accept = AcceptAll
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = protocol.DeviceUnknown
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = nopHooks{}
	}
	return &LocalTransport{
		cfg:      cfg,
		registry: registry,
		log:      logger.OrDiscard(log, "Transfer"),
		clock:    clock.OrReal(cfg.Clock),
		hooks:    hooks,
	}
}

// SendOptions control one outgoing attempt
type SendOptions struct {
	// Chunks is the full partition of the file with per-chunk hashes
	Chunks     []protocol.ChunkInfo
	ChunkSize  int64
	Compressor compression.Compressor
	Encrypt    bool
	// StartChunk is the first chunk to send when resuming
	StartChunk int
}

type readResult struct {
	msg *protocol.Message
	err error
}

// Send delivers the registered task to peerAddr, one chunk at a time, each
// waiting for its acknowledgement. The task must already be in the registry.
// Hooks.Finished is called exactly once before Send returns.
func (t *LocalTransport) Send(ctx context.Context, task *protocol.TransferTask, peerAddr string, opts SendOptions) error {
	lastAcked, err := t.send(ctx, task, peerAddr, opts)
	if err != nil {
		t.log.Warn("Send of %s to %s stopped after chunk %d: %v", task.File.Name, peerAddr, lastAcked, err)
	} else {
		t.log.Info("Sent %s (%d bytes) to %s", task.File.Name, task.File.Size, peerAddr)
	}
	t.hooks.Finished(task.ID, lastAcked, err)
	return err
}

func (t *LocalTransport) send(ctx context.Context, task *protocol.TransferTask, peerAddr string, opts SendOptions) (int, error) {
	lastAcked := opts.StartChunk - 1
	cancel := t.registry.cancelled(task.ID)

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peerAddr)
	if err != nil {
		return lastAcked, errs.Wrap(errs.PeerUnreachable, err, "dial %s", peerAddr)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	var w io.Writer = &deadlineWriter{conn: conn, timeout: t.cfg.AckTimeout}
	if t.cfg.Bandwidth != nil {
		w = t.cfg.Bandwidth.WrapWriter(ctx, w)
	}

	meta := task.File
	meta.Chunks = nil
	meta.Path = ""
	req := protocol.FileRequest{
		TaskID:          task.ID,
		Metadata:        meta,
		ChunkSize:       opts.ChunkSize,
		SenderName:      t.cfg.DeviceName,
		SenderDevice:    t.cfg.DeviceType,
		Encrypted:       opts.Encrypt,
		Compression:     opts.Compressor.Mode != compression.ModeOff,
		ResumeFromChunk: opts.StartChunk,
	}

	var kx *crypto.KeyExchange
	if opts.Encrypt {
		if kx, err = crypto.KeyExchangeInitiator(); err != nil {
			return lastAcked, err
		}
		req.PublicKey = kx.PublicKey()
	}

	if err := protocol.WriteMessage(w, protocol.MsgFileRequest, &req); err != nil {
		return lastAcked, err
	}

	// Reads happen on their own goroutine so a cancel can win the race
	// against a pending ack.
	done := make(chan struct{})
	defer close(done)
	incoming := make(chan readResult, 1)
	go func() {
		for {
			msg, err := protocol.ReadMessage(conn)
			select {
			case incoming <- readResult{msg, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(t.cfg.AckTimeout))
	msg, err := t.await(ctx, conn, task.ID, incoming, cancel)
	if err != nil {
		return lastAcked, err
	}
	if msg.Type != protocol.MsgFileResponse {
		return lastAcked, errs.New(errs.Network, "expected %s, got %s", protocol.MsgFileResponse, msg.Type)
	}
	var resp protocol.FileResponse
	if err := msg.Decode(&resp); err != nil {
		return lastAcked, err
	}
	if !resp.Accepted {
		return lastAcked, errs.New(errs.PeerUnreachable, "transfer rejected by %s: %s", peerAddr, resp.Reason)
	}

	var session *crypto.Session
	if opts.Encrypt {
		if session, err = kx.Complete(resp.PublicKey); err != nil {
			return lastAcked, err
		}
	}

	start := resp.ResumeFromChunk
	if start < 0 || start > opts.StartChunk {
		start = opts.StartChunk
	}
	if start > len(opts.Chunks) {
		start = len(opts.Chunks)
	}
	lastAcked = start - 1

	now := t.clock.Now()
	var offset int64
	if start > 0 {
		offset = opts.Chunks[start-1].Offset + opts.Chunks[start-1].Size
	}
	snapshot, _ := t.registry.Update(task.ID, func(tt *protocol.TransferTask) {
		tt.Start(now)
		tt.Encrypted = opts.Encrypt
		if start > 0 {
			tt.Resumed = true
			tt.ResumeOffset = offset
		}
		tt.UpdateProgress(offset, now)
	})
	t.hooks.Started(snapshot)
	t.log.Info("Sending %s to %s from chunk %d/%d (encrypted=%v)", task.File.Name, peerAddr, start, len(opts.Chunks), opts.Encrypt)

	ch := chunker.New(opts.ChunkSize)
	var original, wire int64
	lastEmit := now

	for i := start; i < len(opts.Chunks); i++ {
		select {
		case <-cancel:
			t.sendCancel(conn, task.ID, "cancelled by sender")
			return lastAcked, errs.New(errs.Cancelled, "cancelled before chunk %d", i)
		case <-ctx.Done():
			return lastAcked, errs.Wrap(errs.Network, ctx.Err(), "send aborted")
		default:
		}

		info := opts.Chunks[i]
		data, err := ch.ReadChunk(task.File.Path, info)
		if err != nil {
			return lastAcked, err
		}

		payload, compressed, err := opts.Compressor.MaybeCompress(data, task.File.MimeType)
		if err != nil {
			return lastAcked, err
		}
		original += int64(len(data))
		wire += int64(len(payload))
		if session != nil {
			if payload, err = session.Encrypt(payload); err != nil {
				return lastAcked, err
			}
		}

		// No read deadline while the chunk is being produced and throttled
		conn.SetReadDeadline(time.Time{})
		cd := protocol.ChunkData{
			TaskID:       task.ID,
			Index:        info.Index,
			Offset:       info.Offset,
			Data:         payload,
			Hash:         info.Hash,
			OriginalSize: info.Size,
			Compressed:   compressed,
			Encrypted:    session != nil,
		}
		if err := protocol.WriteMessage(w, protocol.MsgChunkData, &cd); err != nil {
			if ctx.Err() != nil {
				return lastAcked, errs.Wrap(errs.Network, ctx.Err(), "send aborted")
			}
			if perr := peerCancelled(incoming); perr != nil {
				return lastAcked, perr
			}
			return lastAcked, err
		}
		conn.SetReadDeadline(time.Now().Add(t.cfg.AckTimeout))

		msg, err := t.await(ctx, conn, task.ID, incoming, cancel)
		if err != nil {
			return lastAcked, err
		}
		if msg.Type != protocol.MsgChunkAck {
			return lastAcked, errs.New(errs.Network, "expected %s, got %s", protocol.MsgChunkAck, msg.Type)
		}
		var ack protocol.ChunkAck
		if err := msg.Decode(&ack); err != nil {
			return lastAcked, err
		}
		if ack.Index != info.Index {
			return lastAcked, errs.New(errs.Network, "ack for chunk %d while waiting for %d", ack.Index, info.Index)
		}
		if !ack.Success {
			return lastAcked, errs.New(errs.IntegrityCheckFailed, "peer rejected chunk %d: %s", info.Index, ack.Error)
		}
		lastAcked = i
		metrics.RecordChunk("send", info.Size)

		now := t.clock.Now()
		snapshot, _ := t.registry.Update(task.ID, func(tt *protocol.TransferTask) {
			tt.UpdateProgress(info.Offset+info.Size, now)
			if opts.Compressor.Mode != compression.ModeOff && original > 0 {
				tt.CompressionRatio = float64(wire) / float64(original)
			}
		})
		if now.Sub(lastEmit) >= progressInterval || i == len(opts.Chunks)-1 {
			lastEmit = now
			t.hooks.Progress(snapshot)
		}
	}

	return lastAcked, nil
}

// await blocks for the next meaningful frame. Heartbeats extend the read
// deadline, peer cancels and error frames end the transfer.
func (t *LocalTransport) await(ctx context.Context, conn net.Conn, taskID string, incoming <-chan readResult, cancel <-chan struct{}) (*protocol.Message, error) {
	for {
		select {
		case <-cancel:
			t.sendCancel(conn, taskID, "cancelled by sender")
			return nil, errs.New(errs.Cancelled, "cancelled")
		case r := <-incoming:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil, errs.Wrap(errs.Network, ctx.Err(), "send aborted")
				}
				return nil, r.err
			}
			switch r.msg.Type {
			case protocol.MsgHeartbeat:
				conn.SetReadDeadline(time.Now().Add(t.cfg.AckTimeout))
				continue
			case protocol.MsgCancel:
				var c protocol.CancelMessage
				r.msg.Decode(&c)
				return nil, errs.New(errs.Cancelled, "peer cancelled: %s", c.Reason)
			case protocol.MsgError:
				var e protocol.ErrorMessage
				r.msg.Decode(&e)
				return nil, errs.New(errs.Network, "peer error %d: %s", e.Code, e.Message)
			}
			return r.msg, nil
		}
	}
}

// peerCancelled looks for a cancel frame that arrived just before the peer
// closed the connection, so a failed write is not mistaken for a network error
func peerCancelled(incoming <-chan readResult) error {
	timer := time.NewTimer(100 * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case r := <-incoming:
			if r.err != nil {
				return nil
			}
			if r.msg.Type == protocol.MsgCancel {
				var c protocol.CancelMessage
				r.msg.Decode(&c)
				return errs.New(errs.Cancelled, "peer cancelled: %s", c.Reason)
			}
		case <-timer.C:
			return nil
		}
	}
}

func (t *LocalTransport) sendCancel(conn net.Conn, taskID, reason string) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := protocol.WriteMessage(conn, protocol.MsgCancel, &protocol.CancelMessage{TaskID: taskID, Reason: reason}); err != nil {
		t.log.Debug("Cancel for %s not delivered: %v", taskID, err)
	}
}

func (t *LocalTransport) sendError(w io.Writer, code int, format string, args ...any) {
	msg := protocol.ErrorMessage{Code: code, Message: fmt.Sprintf(format, args...)}
	if err := protocol.WriteMessage(w, protocol.MsgError, &msg); err != nil {
		t.log.Debug("Error frame not delivered: %v", err)
	}
}

// deadlineWriter arms the write deadline right before each write so time
// spent waiting on the bandwidth limiter does not count against it
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	d.conn.SetWriteDeadline(time.Now().Add(d.timeout))
	return d.conn.Write(p)
}
