package wire

import "errors"

// ErrMalformedPacket is returned for any packet that fails to decode: an
// unknown opcode, a length-prefixed field overrunning the buffer, or an
// HMAC mismatch.
var ErrMalformedPacket = errors.New("wire: malformed packet")
