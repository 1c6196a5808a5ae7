package stream

import "errors"

var (
	// ErrReceiveReset means the peer answered our confirmable request with a
	// Reset message; the exchange is aborted.
	ErrReceiveReset = errors.New("reset response received")

	// ErrInvalidState means the operation is not legal in the stream's
	// current state (e.g. Write on an idle stream).
	ErrInvalidState = errors.New("operation not allowed in current stream state")

	// ErrInvalidRequest means an incoming message could not be accepted as a
	// request (wrong class, inconsistent BLOCK options, nonzero first block).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrTransferAborted means a block-wise transfer was aborted due to a
	// protocol mismatch; the socket remains usable.
	ErrTransferAborted = errors.New("block transfer aborted")
)
