package out

import "remindsync/core/domain"

// OutcomeRecorder receives one entry per observed operation.
type OutcomeRecorder interface {
	Record(outcome domain.OperationOutcome)
}
