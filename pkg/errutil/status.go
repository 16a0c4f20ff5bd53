package errutil

// CoreStatus is the engine-wide error classification.
type CoreStatus string

const (
	StatusValidation   CoreStatus = "VALIDATION"
	StatusNotFound     CoreStatus = "NOT_FOUND"
	StatusPrecondition CoreStatus = "PRECONDITION"
	StatusConcurrency  CoreStatus = "CONCURRENCY"
	StatusDispatch     CoreStatus = "DISPATCH"
	StatusTimeout      CoreStatus = "TIMEOUT"
	StatusInternal     CoreStatus = "INTERNAL"
	StatusUnknown      CoreStatus = "UNKNOWN"
)
