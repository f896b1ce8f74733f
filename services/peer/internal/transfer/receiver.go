package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/chunker"
	"github.com/p2p-filesharing/peersend/pkg/compression"
	"github.com/p2p-filesharing/peersend/pkg/crypto"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/hash"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
	"github.com/p2p-filesharing/peersend/services/peer/internal/metrics"
	"github.com/p2p-filesharing/peersend/services/peer/internal/storage"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Listen binds the transfer port, moving to the next port when it is busy.
// The returned listener's address tells which port was taken.
func Listen(port, maxRetries int) (net.Listener, error) {
	original := port
	for i := 0; i < maxRetries; i++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}
		port++
	}
	return nil, errs.New(errs.Network, "could not find available port after %d attempts (tried %d-%d)", maxRetries, original, port-1)
}

// Serve accepts connections until ctx ends or the listener is closed. Each
// connection carries exactly one transfer.
func (t *LocalTransport) Serve(ctx context.Context, ln net.Listener) error {
	t.log.Info("Listening for transfers on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.log.Error("Accept error: %v", err)
			return errs.Wrap(errs.Network, err, "accept")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.HandleConn(ctx, conn)
		}()
	}
}

// HandleConn runs the receive side of one transfer and closes conn
func (t *LocalTransport) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := remoteIP(conn.RemoteAddr())
	t.log.Debug("New connection from %s", conn.RemoteAddr())

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	var r io.Reader = conn
	if t.cfg.Bandwidth != nil {
		r = t.cfg.Bandwidth.WrapReader(ctx, conn)
	}
	w := &deadlineWriter{conn: conn, timeout: t.cfg.AckTimeout}

	conn.SetReadDeadline(time.Now().Add(t.cfg.AckTimeout))
	msg, err := protocol.ReadMessage(r)
	if err != nil {
		t.log.Debug("Read error from %s: %v", remote, err)
		return
	}
	if msg.Type != protocol.MsgFileRequest {
		t.sendError(w, protocol.ErrCodeInvalidMessage, "expected %s, got %s", protocol.MsgFileRequest, msg.Type)
		return
	}
	var req protocol.FileRequest
	if err := msg.Decode(&req); err != nil {
		t.sendError(w, protocol.ErrCodeInvalidMessage, "invalid request")
		return
	}
	if err := validateRequest(&req); err != nil {
		t.log.Warn("Invalid request from %s: %v", remote, err)
		t.reject(w, err.Error())
		return
	}
	if t.registry.Active(req.TaskID) {
		t.reject(w, "transfer already in progress")
		return
	}

	accepted, reason := t.approve(ctx, conn, w, &req, remote)
	if !accepted {
		t.log.Info("Rejected %s from %s: %s", req.Metadata.Name, remote, reason)
		t.reject(w, reason)
		return
	}

	var session *crypto.Session
	resp := protocol.FileResponse{Accepted: true}
	if req.Encrypted {
		kx, err := crypto.KeyExchangeResponder()
		if err == nil {
			session, err = kx.Complete(req.PublicKey)
		}
		if err != nil {
			t.sendError(w, protocol.ErrCodeDecryption, "key exchange failed")
			return
		}
		resp.PublicKey = kx.PublicKey()
	}

	chunks := chunker.New(req.ChunkSize).ComputeChunks(req.Metadata.Size)
	start, savePath, err := t.destination(&req, len(chunks))
	if err != nil {
		t.reject(w, "cannot store file")
		t.log.Error("No destination for %s: %v", req.Metadata.Name, err)
		return
	}

	resp.ResumeFromChunk = start

	meta := req.Metadata
	meta.Path = savePath
	peer := &protocol.PeerInfo{
		ID:         fmt.Sprintf("%s-%s", req.SenderName, remote),
		Name:       req.SenderName,
		IP:         remote,
		DeviceType: req.SenderDevice,
		Status:     protocol.PeerBusy,
	}
	now := t.clock.Now()
	task := protocol.NewTransferTask(meta, protocol.ModeLocal, protocol.DirectionReceive, peer, now)
	task.ID = req.TaskID
	task.Encrypted = req.Encrypted
	var offset int64
	if start > 0 {
		offset = chunks[start-1].Offset + chunks[start-1].Size
		task.Resumed = true
		task.ResumeOffset = offset
	}
	task.Start(now)
	task.UpdateProgress(offset, now)
	cancel := t.registry.Add(task)
	t.hooks.Started(task.Clone())

	if err := protocol.WriteMessage(w, protocol.MsgFileResponse, &resp); err != nil {
		t.hooks.Finished(task.ID, start-1, err)
		return
	}
	t.log.Info("Receiving %s (%d bytes) from %s into %s, starting at chunk %d", meta.Name, meta.Size, remote, savePath, start)

	lastAcked, err := t.receive(ctx, conn, r, w, task, chunks, start, session, cancel)
	if err != nil {
		t.log.Warn("Receive of %s from %s stopped after chunk %d: %v", meta.Name, remote, lastAcked, err)
	} else {
		t.log.Info("Received %s from %s", meta.Name, remote)
	}
	t.hooks.Finished(task.ID, lastAcked, err)
}

func (t *LocalTransport) receive(ctx context.Context, conn net.Conn, r io.Reader, w io.Writer, task *protocol.TransferTask,
	chunks []protocol.ChunkInfo, start int, session *crypto.Session, cancel <-chan struct{}) (int, error) {

	lastAcked := start - 1
	path := task.File.Path
	ch := chunker.New(protocol.MaxLocalChunkSize)

	if len(chunks) == 0 {
		if err := createEmpty(path); err != nil {
			return lastAcked, err
		}
		return lastAcked, hash.VerifyFile(path, task.File.Hash)
	}

	// A local cancel unblocks the pending read
	var cancelled bool
	var mu sync.Mutex
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-cancel:
			mu.Lock()
			cancelled = true
			mu.Unlock()
			conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()
	isCancelled := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cancelled
	}

	lastEmit := t.clock.Now()
	for next := start; next < len(chunks); {
		conn.SetReadDeadline(time.Now().Add(t.cfg.AckTimeout))
		if isCancelled() {
			conn.SetReadDeadline(time.Now())
		}
		msg, err := protocol.ReadMessage(r)
		if err != nil {
			if isCancelled() {
				t.sendCancel(conn, task.ID, "cancelled by receiver")
				return lastAcked, errs.New(errs.Cancelled, "cancelled at chunk %d", next)
			}
			if ctx.Err() != nil {
				return lastAcked, errs.Wrap(errs.Network, ctx.Err(), "receive aborted")
			}
			return lastAcked, err
		}

		switch msg.Type {
		case protocol.MsgHeartbeat:
			protocol.WriteMessage(w, protocol.MsgHeartbeat, &protocol.Heartbeat{Timestamp: time.Now().UnixMilli()})
			continue
		case protocol.MsgCancel:
			var c protocol.CancelMessage
			msg.Decode(&c)
			return lastAcked, errs.New(errs.Cancelled, "sender cancelled: %s", c.Reason)
		case protocol.MsgChunkData:
		default:
			t.sendError(w, protocol.ErrCodeInvalidMessage, "unexpected %s", msg.Type)
			return lastAcked, errs.New(errs.Network, "unexpected %s during transfer", msg.Type)
		}

		var cd protocol.ChunkData
		if err := msg.Decode(&cd); err != nil {
			return lastAcked, err
		}
		info := chunks[next]
		if cd.Index != info.Index || cd.Offset != info.Offset {
			t.sendError(w, protocol.ErrCodeInvalidMessage, "expected chunk %d", next)
			return lastAcked, errs.New(errs.Network, "got chunk %d at %d, expected %d at %d", cd.Index, cd.Offset, info.Index, info.Offset)
		}

		data, err := openChunk(&cd, session)
		if err == nil && (int64(len(data)) != info.Size || !hash.Verify(data, cd.Hash)) {
			err = errs.New(errs.IntegrityCheckFailed, "chunk %d does not match its hash", cd.Index)
		}
		if err == nil {
			err = ch.WriteChunk(path, info.Offset, data)
		}
		if err == nil && next == len(chunks)-1 {
			err = hash.VerifyFile(path, task.File.Hash)
		}
		if err != nil {
			ack := protocol.ChunkAck{TaskID: task.ID, Index: cd.Index, Success: false, Error: err.Error()}
			protocol.WriteMessage(w, protocol.MsgChunkAck, &ack)
			return lastAcked, err
		}

		if err := protocol.WriteMessage(w, protocol.MsgChunkAck, &protocol.ChunkAck{TaskID: task.ID, Index: cd.Index, Success: true}); err != nil {
			return lastAcked, err
		}
		lastAcked = next
		next++
		metrics.RecordChunk("receive", info.Size)

		now := t.clock.Now()
		snapshot, _ := t.registry.Update(task.ID, func(tt *protocol.TransferTask) {
			tt.UpdateProgress(info.Offset+info.Size, now)
		})
		if now.Sub(lastEmit) >= progressInterval || next == len(chunks) {
			lastEmit = now
			t.hooks.Progress(snapshot)
		}
	}
	return lastAcked, nil
}

// approve runs the accept policy while keeping the sender's read deadline
// alive with heartbeats
func (t *LocalTransport) approve(ctx context.Context, conn net.Conn, w io.Writer, req *protocol.FileRequest, remote string) (bool, string) {
	actx, cancel := context.WithTimeout(ctx, t.cfg.ApprovalTimeout)
	defer cancel()

	type decision struct {
		ok     bool
		reason string
	}
	result := make(chan decision, 1)
	go func() {
		ok, reason := t.cfg.Accept(actx, req, remote)
		result <- decision{ok, reason}
	}()

	ticker := time.NewTicker(t.cfg.AckTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case d := <-result:
			return d.ok, d.reason
		case <-actx.Done():
			return false, "no decision in time"
		case <-ticker.C:
			if err := protocol.WriteMessage(w, protocol.MsgHeartbeat, &protocol.Heartbeat{Timestamp: time.Now().UnixMilli()}); err != nil {
				conn.Close()
				return false, "sender went away"
			}
		}
	}
}

// destination picks where the file goes and the first chunk to request. A
// checkpoint for the same task and content continues the partial file.
func (t *LocalTransport) destination(req *protocol.FileRequest, count int) (int, string, error) {
	if req.ResumeFromChunk > 0 && t.cfg.Checkpoints != nil {
		if info, ok := t.cfg.Checkpoints.GetResumeInfo(req.TaskID); ok &&
			info.Direction == protocol.DirectionReceive &&
			info.FileHash == req.Metadata.Hash &&
			info.SavePath != "" {
			if _, err := os.Stat(info.SavePath); err == nil {
				start := info.NextChunkIndex()
				if req.ResumeFromChunk < start {
					start = req.ResumeFromChunk
				}
				if start > count {
					start = count
				}
				return start, info.SavePath, nil
			}
		}
	}

	dir := ""
	if t.cfg.SaveDir != nil {
		dir = t.cfg.SaveDir()
	}
	if dir == "" {
		dir = "."
	}
	// The empty file reserves the name until the chunks arrive
	f, path, err := storage.CreateUnique(dir, req.Metadata.Name)
	if err != nil {
		return 0, "", err
	}
	if err := f.Close(); err != nil {
		return 0, "", errs.FromIO(err, "create %s", path)
	}
	return 0, path, nil
}

func (t *LocalTransport) reject(w io.Writer, reason string) {
	protocol.WriteMessage(w, protocol.MsgFileResponse, &protocol.FileResponse{Accepted: false, Reason: reason})
}

// openChunk reverses the sender pipeline: decrypt, then decompress
func openChunk(cd *protocol.ChunkData, session *crypto.Session) ([]byte, error) {
	data := cd.Data
	if cd.Encrypted {
		if session == nil {
			return nil, errs.New(errs.Decryption, "encrypted chunk on a plaintext transfer")
		}
		var err error
		if data, err = session.Decrypt(data); err != nil {
			return nil, err
		}
	}
	if cd.Compressed {
		return compression.Decompress(data)
	}
	return data, nil
}

func validateRequest(req *protocol.FileRequest) error {
	md := &req.Metadata
	switch {
	case req.TaskID == "":
		return errs.New(errs.InvalidMetadata, "missing task id")
	case md.Name == "":
		return errs.New(errs.InvalidMetadata, "missing file name")
	case md.Size < 0:
		return errs.New(errs.InvalidMetadata, "negative size %d", md.Size)
	case !hexDigest.MatchString(md.Hash):
		return errs.New(errs.InvalidMetadata, "malformed file hash")
	case req.ChunkSize <= 0 || req.ChunkSize > protocol.MaxLocalChunkSize:
		return errs.New(errs.InvalidMetadata, "chunk size %d outside (0,%d]", req.ChunkSize, protocol.MaxLocalChunkSize)
	case req.Encrypted && len(req.PublicKey) == 0:
		return errs.New(errs.KeyExchange, "encrypted request without public key")
	}
	return nil
}

func createEmpty(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return errs.FromIO(err, "create %s", path)
	}
	return f.Close()
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
