package constants

// ErrorKind classifies why a job failed. Stored next to the error message.
type ErrorKind string

const (
	ErrorKindExtraction        ErrorKind = "ExtractionError"
	ErrorKindTimeout           ErrorKind = "TimeoutError"
	ErrorKindUnsupportedFormat ErrorKind = "UnsupportedFormatError"
	ErrorKindPersistence       ErrorKind = "PersistenceError"
	ErrorKindCancelled         ErrorKind = "CancelledError"
	ErrorKindInternal          ErrorKind = "InternalError"
	ErrorKindWorkerLost        ErrorKind = "WorkerLostError"
)
