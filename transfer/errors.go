package transfer

import "errors"

// ErrNoSuchFile names the case of a file scheduled for send that has
// disappeared from disk by the time its chunk reader is opened. No function
// in this package returns it: Sender logs that case and drops the file's
// ack tracker.
var ErrNoSuchFile = errors.New("transfer: scheduled file is missing")

// ErrUnavailable names the state of a peer that is currently latched dead.
// No function in this package returns it; sender progress is gated by the
// Liveness latch, not by this error.
var ErrUnavailable = errors.New("transfer: peer unavailable")
