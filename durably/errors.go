package durably

import "fmt"

// ErrorKind classifies the failures the runtime can surface to callers. Every
// error returned from a public API is a *DurablyError carrying one of these.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUserDataValidation
	KindNotRegistered
	KindWorkflowConflict
	KindRetriesExceeded
	KindSerializationFailure
	KindCancelled
	KindDebuggerError
	KindSystemDatabase
	KindQueueDeduplicated
	KindNonExistentWorkflow
	KindUnexpectedStep
)

func (k ErrorKind) String() string {
	switch k {
	case KindUserDataValidation:
		return "UserDataValidation"
	case KindNotRegistered:
		return "NotRegistered"
	case KindWorkflowConflict:
		return "WorkflowConflict"
	case KindRetriesExceeded:
		return "RetriesExceeded"
	case KindSerializationFailure:
		return "SerializationFailure"
	case KindCancelled:
		return "Cancelled"
	case KindDebuggerError:
		return "DebuggerError"
	case KindSystemDatabase:
		return "SystemDatabase"
	case KindQueueDeduplicated:
		return "QueueDeduplicated"
	case KindNonExistentWorkflow:
		return "NonExistentWorkflow"
	case KindUnexpectedStep:
		return "UnexpectedStep"
	default:
		return "Unknown"
	}
}

// DurablyError is the single error envelope returned by the runtime. Callers
// should switch on Kind rather than string-match Error().
type DurablyError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *DurablyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DurablyError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, msg string) *DurablyError {
	return &DurablyError{Kind: kind, Message: msg}
}

func wrapError(kind ErrorKind, msg string, err error) *DurablyError {
	return &DurablyError{Kind: kind, Message: msg, Err: err}
}

func newWorkflowConflictError(workflowID string) *DurablyError {
	return newError(KindWorkflowConflict, fmt.Sprintf("workflow %q already exists with different inputs", workflowID))
}

func newNonExistentWorkflowError(workflowID string) *DurablyError {
	return newError(KindNonExistentWorkflow, fmt.Sprintf("workflow %q does not exist", workflowID))
}

func newUnexpectedStepError(workflowID string, stepID int, expected, recorded string) *DurablyError {
	return newError(KindUnexpectedStep, fmt.Sprintf(
		"workflow %q step %d: expected step %q but recorded step is %q", workflowID, stepID, expected, recorded))
}

func newWorkflowCancelledError(workflowID string) *DurablyError {
	return newError(KindCancelled, fmt.Sprintf("workflow %q was cancelled", workflowID))
}

func newNotRegisteredError(name string) *DurablyError {
	return newError(KindNotRegistered, fmt.Sprintf("no workflow registered with name %q", name))
}

func newRetriesExceededError(workflowID, stepName string, attempts int) *DurablyError {
	return newError(KindRetriesExceeded, fmt.Sprintf(
		"workflow %q step %q exhausted %d attempts", workflowID, stepName, attempts))
}

func newQueueDeduplicatedError(workflowID, queueName, deduplicationID string) *DurablyError {
	return newError(KindQueueDeduplicated, fmt.Sprintf(
		"workflow %q not enqueued on queue %q: deduplication id %q is in use", workflowID, queueName, deduplicationID))
}

// IsKind reports whether err is a *DurablyError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	de, ok := err.(*DurablyError)
	return ok && de.Kind == kind
}
