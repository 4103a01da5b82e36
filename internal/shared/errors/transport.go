package errors

import "errors"

// Transport-level sentinels surfaced by the stream backend and the push
// engine. Handlers translate them into HTTP outcomes; everything else is
// handled locally (shard rotation, FCM fallback).
var (
	// ErrTransportUnreachable means a stream shard cannot be reached.
	ErrTransportUnreachable = errors.New("stream shard unreachable")

	// ErrReadTimeout means a bounded read elapsed without data.
	ErrReadTimeout = errors.New("stream read timeout")

	// ErrNoReachableShard means no configured shard answered a ping probe.
	ErrNoReachableShard = errors.New("no reachable stream shard")

	// ErrDecryptFailure means an inbound envelope could not be unpacked.
	ErrDecryptFailure = errors.New("envelope decrypt failure")

	// ErrChannelClosed means the peer broadcast a close sentinel on a
	// fanout channel; readers should stop.
	ErrChannelClosed = errors.New("channel closed")
)

func IsTransportUnreachable(err error) bool {
	return errors.Is(err, ErrTransportUnreachable)
}

func IsReadTimeout(err error) bool {
	return errors.Is(err, ErrReadTimeout)
}
