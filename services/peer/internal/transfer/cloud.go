package transfer

import (
	"context"

	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

// CloudTransport is the relay-backed mode. No relay exists yet, so every
// operation reports UnsupportedOperation.
type CloudTransport struct{}

func (CloudTransport) Send(context.Context, *protocol.TransferTask) error {
	return errs.New(errs.UnsupportedOperation, "cloud transfer is not available")
}

func (CloudTransport) Receive(context.Context, string) error {
	return errs.New(errs.UnsupportedOperation, "cloud transfer is not available")
}

func (CloudTransport) Cancel(string) error {
	return errs.New(errs.UnsupportedOperation, "cloud transfer is not available")
}

func (CloudTransport) Progress(string) (*protocol.TransferTask, error) {
	return nil, errs.New(errs.UnsupportedOperation, "cloud transfer is not available")
}
