package transfer

import (
	"errors"
	"fmt"
)

// ErrFileChanged is surfaced to the host when a file being streamed turns
// out longer than its declared size (spec §4.B "Packer: mid-transfer file
// truncation/growth"). Shared by both protocol packers since the condition
// and the host decision point are identical.
type ErrFileChanged struct {
	Name         string
	DeclaredSize int64
	SentSoFar    int64
}

func (e *ErrFileChanged) Error() string {
	return fmt.Sprintf("transfer: file changed: %s (declared %d, sent %d)", e.Name, e.DeclaredSize, e.SentSoFar)
}

// FileChangeDecider lets the host decide whether to continue (dropping the
// excess bytes) or abort when ErrFileChanged occurs. A nil decider aborts,
// matching the spec §7 default.
type FileChangeDecider func(*ErrFileChanged) (continueTransfer bool)

// ErrNulInName is returned by a packer when an entry's relative name
// contains an embedded NUL byte (spec §9 Open Question, resolved: senders
// must reject such inputs before writing any bytes).
var ErrNulInName = errors.New("transfer: relative name contains NUL")
