package escrow

import "errors"

// ErrInvalidState is returned when a transition is attempted on a record
// whose current status does not permit it. The caller can read the record to
// see where the state machine actually is.
var ErrInvalidState = errors.New("escrow transition not permitted in current state")

// ErrReleaseBlocked is returned when release is attempted while an open
// dispute or an active, un-appealed penalty gates the escrow. Not retried
// automatically; the gate must resolve first.
var ErrReleaseBlocked = errors.New("escrow release blocked by open dispute or penalty")

// ErrIntegrityViolation marks a partial application: money moved at the
// provider but the local status update and ledger entry did not commit (or
// the reverse). Never retried automatically; requires manual reconciliation.
var ErrIntegrityViolation = errors.New("escrow ledger/status integrity violation")
