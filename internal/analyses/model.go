package analyses

import (
	"time"

	"aqualens-backend/internal/analyses/particles"
)

const (
	StatusNew        = "new"
	StatusProcessing = "processing"
	StatusAnalyzing  = "analyzing"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// AnalysisJob is one user-submitted image and its analysis lifecycle record.
type AnalysisJob struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Status    string    `json:"status"`
	ImageData string    `json:"imageData,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	// Version increases on every write and orders subscription deliveries.
	Version int64 `json:"version"`

	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Result       *AnalysisResult `json:"result,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
}

// AnalysisResult is the terminal payload attached to a completed job.
type AnalysisResult struct {
	AnalysisSummary         string                `json:"analysisSummary"`
	ParticleTypes           []particles.TypeCount `json:"particleTypes"`
	PolymerTypes            []particles.TypeCount `json:"polymerTypes"`
	ContaminationPercentage float64               `json:"contaminationPercentage"`
	ParticleCount           int                   `json:"particleCount"`
	Particles               []particles.Particle  `json:"particles"`

	// Rough per-milliliter estimate assuming the reference sample volume.
	EstimatedParticlesPerMl float64 `json:"estimatedParticlesPerMl"`
}

// Terminal reports whether the job has reached a final state.
func (j AnalysisJob) Terminal() bool {
	return j.Status == StatusComplete || j.Status == StatusError
}

// ProgressMessage is the client-facing copy for a non-terminal status.
func ProgressMessage(status string) string {
	switch status {
	case StatusNew:
		return "In queue..."
	case StatusProcessing:
		return "Detecting particles..."
	case StatusAnalyzing:
		return "Generating AI summary..."
	default:
		return ""
	}
}
