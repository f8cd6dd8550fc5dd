package types

import "errors"

// Failure taxonomy shared by the controller, the agent client and the
// bridge.  Only ErrAgentUnavailable and ErrReaderNotConnected abort a run;
// the rest are recorded against a single card.
var (
	ErrAgentUnavailable     = errors.New("card bridge service unavailable")
	ErrReaderNotConnected   = errors.New("card reader not connected")
	ErrCardDetectionTimeout = errors.New("no card presented before detection timeout")
	ErrEncodeFailure        = errors.New("card encode failed")
	ErrLedgerWrite          = errors.New("card issue ledger write failed")
)

// Error codes carried on the bridge wire so the client can map failures
// back onto the sentinels above.
const (
	CodeReaderNotConnected = "reader_not_connected"
	CodeDetectionTimeout   = "detection_timeout"
	CodeEncodeFailed       = "encode_failed"
	CodeBadRequest         = "bad_request"
	CodeReaderBusy         = "reader_busy"
)

// ErrorForCode maps a bridge error code to its sentinel.  Unknown codes
// are treated as encode failures.
func ErrorForCode(code string) error {
	switch code {
	case CodeReaderNotConnected:
		return ErrReaderNotConnected
	case CodeDetectionTimeout:
		return ErrCardDetectionTimeout
	default:
		return ErrEncodeFailure
	}
}

// CodeForError is the inverse of ErrorForCode.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrReaderNotConnected):
		return CodeReaderNotConnected
	case errors.Is(err, ErrCardDetectionTimeout):
		return CodeDetectionTimeout
	default:
		return CodeEncodeFailed
	}
}
