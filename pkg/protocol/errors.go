package protocol

import (
	"github.com/forgelet/forgelet/pkg/errors"
)

var (
	// ErrProtocol indicates the peer sent bytes that do not parse as
	// a valid packet stream
	ErrProtocol = errors.New("protocol violation")

	// ErrIncompleteTransfer indicates a pushed object graph references
	// objects present neither in the incoming pack nor in the store
	ErrIncompleteTransfer = errors.New("incomplete transfer")

	// ErrTimeout indicates a negotiation round exceeded its deadline
	ErrTimeout = errors.New("negotiation timeout")
)
