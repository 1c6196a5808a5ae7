package coap

import "errors"

// Transport-level error taxonomy surfaced by the socket wrapper. Upper layers
// match these with errors.Is; no other transport errors escape the package.
var (
	ErrTimeout      = errors.New("receive timed out")
	ErrMsgMalformed = errors.New("malformed message")
	ErrMsgTooLong   = errors.New("message too long")
	ErrDuplicate    = errors.New("duplicate request, response re-sent from cache")
	ErrMsgWasPing   = errors.New("message was a CoAP ping")
	ErrNetwork      = errors.New("network error")
)

var (
	ErrOptionMissing    = errors.New("option not present")
	ErrOptionDuplicated = errors.New("multiple instances of a unique option")
	ErrOptionTooBig     = errors.New("option value too long")

	ErrTokenTooLong    = errors.New("token longer than 8 bytes")
	ErrInvalidBlock    = errors.New("invalid BLOCK option value")
	ErrBufferTooSmall  = errors.New("buffer too small")
	ErrCacheTooSmall   = errors.New("cache too small to fit message")
	ErrCacheDuplicate  = errors.New("message already cached")
	ErrInvalidTxParams = errors.New("invalid transmission parameters")
)
