package transfer

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/chunker"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

type finishCall struct {
	id        string
	lastChunk int
	err       error
}

type recordingHooks struct {
	mu       sync.Mutex
	started  []*protocol.TransferTask
	finished []finishCall
}

func (h *recordingHooks) Started(task *protocol.TransferTask) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, task)
}

func (h *recordingHooks) Progress(*protocol.TransferTask) {}

func (h *recordingHooks) Finished(id string, lastChunk int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, finishCall{id, lastChunk, err})
}

func (h *recordingHooks) finishedCalls() []finishCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]finishCall(nil), h.finished...)
}

func startReceiver(t *testing.T, hooks Hooks) string {
	t.Helper()
	dir := t.TempDir()
	tr := NewLocalTransport(NewRegistry(), LocalConfig{
		AckTimeout: 5 * time.Second,
		SaveDir:    func() string { return dir },
		Hooks:      hooks,
	}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Serve(ctx, ln)
	return ln.Addr().String()
}

func TestSendIntegrityFailures(t *testing.T) {
	zeros := strings.Repeat("0", 64)
	tests := []struct {
		name          string
		corrupt       func(task *protocol.TransferTask, chunks []protocol.ChunkInfo)
		wantLastChunk int
	}{
		{
			name:          "chunk hash mismatch",
			corrupt:       func(_ *protocol.TransferTask, chunks []protocol.ChunkInfo) { chunks[1].Hash = zeros },
			wantLastChunk: 0,
		},
		{
			name:          "whole file hash mismatch",
			corrupt:       func(task *protocol.TransferTask, _ []protocol.ChunkInfo) { task.File.Hash = zeros },
			wantLastChunk: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recvHooks := &recordingHooks{}
			addr := startReceiver(t, recvHooks)

			path := writeFile(t, "data.bin", randomBytes(protocol.MaxLocalChunkSize*2+100))
			md, err := chunker.New(protocol.MaxLocalChunkSize).ComputeMetadataWithHashes(path, "")
			if err != nil {
				t.Fatalf("ComputeMetadataWithHashes failed: %v", err)
			}
			chunks := md.Chunks
			task := protocol.NewTransferTask(*md, protocol.ModeLocal, protocol.DirectionSend, nil, time.Now())
			tt.corrupt(task, chunks)

			reg := NewRegistry()
			reg.Add(task)
			sendHooks := &recordingHooks{}
			tr := NewLocalTransport(reg, LocalConfig{AckTimeout: 5 * time.Second, Hooks: sendHooks}, nil)

			err = tr.Send(context.Background(), task, addr, SendOptions{Chunks: chunks, ChunkSize: protocol.MaxLocalChunkSize})
			if !errs.IsKind(err, errs.IntegrityCheckFailed) {
				t.Fatalf("Expected IntegrityCheckFailed, got %v", err)
			}

			calls := sendHooks.finishedCalls()
			if len(calls) != 1 || calls[0].lastChunk != tt.wantLastChunk {
				t.Errorf("Expected one finish after chunk %d, got %+v", tt.wantLastChunk, calls)
			}

			waitFor(t, "receiver to finish", func() bool { return len(recvHooks.finishedCalls()) == 1 })
			if rc := recvHooks.finishedCalls()[0]; !errs.IsKind(rc.err, errs.IntegrityCheckFailed) {
				t.Errorf("Expected receiver IntegrityCheckFailed, got %v", rc.err)
			}
		})
	}
}

func TestSendRejectedByPolicy(t *testing.T) {
	dir := t.TempDir()
	recv := NewLocalTransport(NewRegistry(), LocalConfig{
		SaveDir: func() string { return dir },
		Accept: func(_ context.Context, req *protocol.FileRequest, ip string) (bool, string) {
			return false, "no thanks " + ip
		},
	}, nil)
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recv.Serve(ctx, ln)

	path := writeFile(t, "a.txt", []byte("hello"))
	md, _ := chunker.New(protocol.MaxLocalChunkSize).ComputeMetadataWithHashes(path, "")
	task := protocol.NewTransferTask(*md, protocol.ModeLocal, protocol.DirectionSend, nil, time.Now())
	reg := NewRegistry()
	reg.Add(task)

	err := NewLocalTransport(reg, LocalConfig{}, nil).Send(ctx, task, ln.Addr().String(), SendOptions{
		Chunks:    md.Chunks,
		ChunkSize: protocol.MaxLocalChunkSize,
		Encrypt:   true,
	})
	if !errs.IsKind(err, errs.PeerUnreachable) {
		t.Fatalf("Expected PeerUnreachable, got %v", err)
	}
	if !strings.Contains(err.Error(), "no thanks 127.0.0.1") {
		t.Errorf("Expected policy reason in error, got %v", err)
	}
}

func TestReceiverDropsGarbage(t *testing.T) {
	hooks := &recordingHooks{}
	addr := startReceiver(t, hooks)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("Expected the receiver to close the connection")
	}
	if len(hooks.finishedCalls()) != 0 {
		t.Error("Expected no task for a malformed connection")
	}
}

func TestValidateRequest(t *testing.T) {
	valid := func() protocol.FileRequest {
		return protocol.FileRequest{
			TaskID:    "t1",
			Metadata:  protocol.FileMetadata{Name: "a.txt", Size: 10, Hash: strings.Repeat("ab", 32)},
			ChunkSize: protocol.MaxLocalChunkSize,
		}
	}

	tests := []struct {
		name   string
		mutate func(*protocol.FileRequest)
		kind   errs.Kind
		ok     bool
	}{
		{"valid", func(*protocol.FileRequest) {}, 0, true},
		{"missing task id", func(r *protocol.FileRequest) { r.TaskID = "" }, errs.InvalidMetadata, false},
		{"missing name", func(r *protocol.FileRequest) { r.Metadata.Name = "" }, errs.InvalidMetadata, false},
		{"negative size", func(r *protocol.FileRequest) { r.Metadata.Size = -1 }, errs.InvalidMetadata, false},
		{"bad hash", func(r *protocol.FileRequest) { r.Metadata.Hash = "xyz" }, errs.InvalidMetadata, false},
		{"chunk too big", func(r *protocol.FileRequest) { r.ChunkSize = protocol.MaxLocalChunkSize + 1 }, errs.InvalidMetadata, false},
		{"zero chunk", func(r *protocol.FileRequest) { r.ChunkSize = 0 }, errs.InvalidMetadata, false},
		{"encrypted without key", func(r *protocol.FileRequest) { r.Encrypted = true }, errs.KeyExchange, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)
			err := validateRequest(&req)
			if tt.ok {
				if err != nil {
					t.Errorf("Expected valid request, got %v", err)
				}
				return
			}
			if !errs.IsKind(err, tt.kind) {
				t.Errorf("Expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestListenMovesToNextPort(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	ln, err := Listen(port, 10)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	got := ln.Addr().(*net.TCPAddr).Port
	if got == port {
		t.Errorf("Expected a port other than the busy %d", port)
	}
}

func TestCloudTransportUnsupported(t *testing.T) {
	var c CloudTransport
	if err := c.Receive(context.Background(), "x"); !errs.IsKind(err, errs.UnsupportedOperation) {
		t.Errorf("Expected UnsupportedOperation, got %v", err)
	}
	if err := c.Cancel("x"); !errs.IsKind(err, errs.UnsupportedOperation) {
		t.Errorf("Expected UnsupportedOperation, got %v", err)
	}
	if _, err := c.Progress("x"); !errs.IsKind(err, errs.UnsupportedOperation) {
		t.Errorf("Expected UnsupportedOperation, got %v", err)
	}
}
