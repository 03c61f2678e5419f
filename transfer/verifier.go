package transfer

import (
	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Verifier checks the totals of a finished upload before it is reported successful.
type Verifier struct {
	logger log.Logger
}

// NewVerifier ...
func NewVerifier(logger log.Logger) Verifier {
	return Verifier{logger: logger}
}

// Verify fails with SizeMismatch unless the sourced, acknowledged and stored
// sizes agree. A known expected size must match as well.
func (v Verifier) Verify(s Snapshot) error {
	const op = "verify upload"

	v.logger.Debugf("Verifying upload: sourced=%d acknowledged=%d object=%d expected=%d",
		s.BytesSourced, s.BytesAcknowledged, s.ObjectSize, s.ExpectedSize)

	switch {
	case s.BytesAcknowledged != s.BytesSourced:
		return failure.Newf(failure.SizeMismatch, op, "destination acknowledged %d of %d sourced bytes", s.BytesAcknowledged, s.BytesSourced)
	case s.ObjectSize != s.BytesAcknowledged:
		return failure.Newf(failure.SizeMismatch, op, "destination reports a %d byte object, %d bytes were acknowledged", s.ObjectSize, s.BytesAcknowledged)
	case s.ExpectedSize >= 0 && s.ExpectedSize != s.BytesAcknowledged:
		return failure.Newf(failure.SizeMismatch, op, "source announced %d bytes, %d were transferred", s.ExpectedSize, s.BytesAcknowledged)
	}
	return nil
}
