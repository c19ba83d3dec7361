package analyses

import "errors"

var ErrNotFound = errors.New("not found")

// Error codes persisted on failed jobs and surfaced to clients.
const (
	ErrorCodeValidation           = "VALIDATION_ERROR"
	ErrorCodeJobNotFound          = "JOB_NOT_FOUND"
	ErrorCodeMissingImageData     = "MISSING_IMAGE_DATA"
	ErrorCodeDetectionAuth        = "DETECTION_AUTH"
	ErrorCodeDetectionProtocol    = "DETECTION_PROTOCOL"
	ErrorCodeDetectionUnavailable = "DETECTION_UNAVAILABLE"
	ErrorCodeDetectionTransport   = "DETECTION_TRANSPORT"
	ErrorCodeEmptyModelOutput     = "EMPTY_MODEL_OUTPUT"
	ErrorCodeSummaryFailed        = "SUMMARY_FAILED"
	ErrorCodeStorage              = "STORAGE_ERROR"
	ErrorCodeInternal             = "INTERNAL_ERROR"
)
