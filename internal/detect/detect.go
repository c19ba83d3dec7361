package detect

import (
	"context"
	"errors"
)

// RawDetection is one model prediction in source-image pixel space. X and Y
// are the bounding-box center.
type RawDetection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
	ClassID    int     `json:"class_id"`
}

// Result is a full detection response for one image.
type Result struct {
	Detections  []RawDetection
	ImageWidth  int
	ImageHeight int
}

// Detector runs object detection over an encoded image.
type Detector interface {
	Detect(ctx context.Context, imageDataURI string) (Result, error)
}

// Failure classes. None of these are retried; the orchestrator maps each to a
// distinct terminal error on the job.
var (
	ErrAuth        = errors.New("detection auth failed")
	ErrProtocol    = errors.New("unexpected detection response")
	ErrUnavailable = errors.New("detection service unavailable")
	ErrTransport   = errors.New("detection transport failed")
)
