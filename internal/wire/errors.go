// Package wire implements the monitor server's TCP wire protocol: the
// length-prefixed frame layer, the ECIES pre-handshake, AES-256-GCM
// message encryption, and the hand-encoded protobuf-shaped Message schema.
package wire

import "errors"

// Sentinel errors grouped by kind: transport, protocol, crypto, timeout.
// All are closed-connection policy at the session layer; they are
// distinguished here only so callers can log the right category.
var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// the configured maximum (128 MiB in encrypted mode, 256 B before the
	// handshake completes).
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum length")

	// ErrShortHandshakePlaintext is returned when the decrypted ECIES
	// payload is not long enough to contain a 32-byte symmetric key.
	ErrShortHandshakePlaintext = errors.New("wire: handshake plaintext shorter than key size")

	// ErrBadMagic is returned when a decrypted frame does not begin with
	// the protocol magic number.
	ErrBadMagic = errors.New("wire: bad magic number")

	// ErrReadTimeout is returned when no complete frame arrives within the
	// configured msg_timeout.
	ErrReadTimeout = errors.New("wire: read timeout")

	// ErrUnknownVariant is returned when a Message's oneof tag does not
	// match any known field number.
	ErrUnknownVariant = errors.New("wire: unknown message variant")

	// ErrTruncatedMessage is returned when a length-delimited field's
	// declared size runs past the end of the buffer.
	ErrTruncatedMessage = errors.New("wire: truncated message")
)
