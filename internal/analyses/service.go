package analyses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"aqualens-backend/internal/analyses/particles"
	"aqualens-backend/internal/detect"
	"aqualens-backend/internal/llm"
	"aqualens-backend/internal/queue"
	"aqualens-backend/internal/shared/metrics"
	"aqualens-backend/internal/shared/telemetry"
	"aqualens-backend/internal/shared/util"
)

// maxImageBytes caps decoded upload size at 4.5 MiB.
const maxImageBytes = int(4.5 * 1024 * 1024)

// referenceSampleVolumeMl is the assumed water sample volume behind the
// per-milliliter particle estimate.
const referenceSampleVolumeMl = 0.5

// ErrImageTooLarge is returned by Create when the decoded payload exceeds
// the upload cap.
var ErrImageTooLarge = fmt.Errorf("image exceeds %d bytes", maxImageBytes)

// ErrRateLimited is returned by Create when an owner submits faster than the
// creation window allows.
var ErrRateLimited = errors.New("too many submissions")

// Service contains business logic for analysis jobs.
type Service struct {
	Repo       Repo
	Detector   detect.Detector
	Summarizer llm.Client
	JobQueue   queue.Client

	limiter *createLimiter
}

// NewService wires a service with the default per-owner creation limiter.
func NewService(repo Repo, detector detect.Detector, summarizer llm.Client, jobQueue queue.Client) *Service {
	return &Service{
		Repo:       repo,
		Detector:   detector,
		Summarizer: summarizer,
		JobQueue:   jobQueue,
		limiter:    newCreateLimiter(createLimitWindow, nil),
	}
}

// Create validates the upload, persists a new job, and hands it to the
// pipeline. When no queue is configured the job is processed in-process.
func (s *Service) Create(ctx context.Context, ownerID, imageData string) (AnalysisJob, error) {
	if ownerID == "" {
		return AnalysisJob{}, errors.New("ownerID is required")
	}
	parsed, err := util.ParseImageDataURI(imageData)
	if err != nil {
		return AnalysisJob{}, err
	}
	if parsed.DecodedLen() > maxImageBytes {
		return AnalysisJob{}, ErrImageTooLarge
	}
	if !s.limiter.Allow(ownerID) {
		return AnalysisJob{}, ErrRateLimited
	}

	job := AnalysisJob{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Status:    StatusNew,
		ImageData: imageData,
		CreatedAt: time.Now().UTC(),
		Version:   1,
	}
	if err := s.Repo.Create(ctx, job); err != nil {
		return AnalysisJob{}, fmt.Errorf("storage: create job: %w", err)
	}

	if s.JobQueue != nil {
		msg := queue.Message{
			JobID:      job.ID,
			RequestID:  requestIDFromContext(ctx),
			EnqueuedAt: job.CreatedAt.Format(time.RFC3339),
			Version:    1,
		}
		if err := s.JobQueue.Send(ctx, msg); err != nil {
			return AnalysisJob{}, fmt.Errorf("storage: enqueue job: %w", err)
		}
	} else {
		go s.processAsync(backgroundWithRequestID(ctx), job.ID)
	}

	return job, nil
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, jobID string) (AnalysisJob, error) {
	if jobID == "" {
		return AnalysisJob{}, errors.New("jobID is required")
	}
	return s.Repo.GetByID(ctx, jobID)
}

// List returns jobs for an owner ordered newest-first. Listings never carry
// image payloads.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]AnalysisJob, error) {
	if ownerID == "" {
		return nil, errors.New("ownerID is required")
	}
	return s.Repo.ListByOwner(ctx, ownerID, limit, offset)
}

// Subscribe exposes repo change notifications for streaming handlers.
func (s *Service) Subscribe(ctx context.Context, jobID string) (<-chan AnalysisJob, error) {
	return s.Repo.Subscribe(ctx, jobID)
}

// RetryAfterSeconds is the client backoff hint after ErrRateLimited.
func (s *Service) RetryAfterSeconds() int {
	return s.limiter.RetryAfterSeconds()
}

func (s *Service) processAsync(ctx context.Context, jobID string) {
	_ = s.ProcessJob(ctx, jobID)
}

// ProcessJob runs the full pipeline for one job: detection, metric
// derivation, then summary generation. Every exit path leaves the job in
// exactly one terminal state.
func (s *Service) ProcessJob(ctx context.Context, jobID string) error {
	defer func() {
		if r := recover(); r != nil {
			s.failJob(ctx, jobID, "", ErrorCodeInternal, fmt.Errorf("panic: %v", r), nil)
		}
	}()
	startedAt := time.Now().UTC()

	job, err := s.Repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Nothing to mark failed; the record never existed or was removed.
			telemetry.Warn("analysis.missing", map[string]any{
				"request_id":  requestIDFromContext(ctx),
				"analysis_id": jobID,
				"error_code":  ErrorCodeJobNotFound,
			})
			return err
		}
		s.failJob(ctx, jobID, "", ErrorCodeStorage, fmt.Errorf("job lookup: %w", err), &startedAt)
		return err
	}
	if job.Terminal() {
		// Redelivered message for an already-settled job.
		return nil
	}
	if strings.TrimSpace(job.ImageData) == "" {
		err := errors.New("job has no image payload")
		s.failJob(ctx, jobID, job.OwnerID, ErrorCodeMissingImageData, err, &startedAt)
		return err
	}

	metrics.IncAnalysisStarted()
	if err := s.transition(ctx, job, StatusProcessing, &startedAt); err != nil {
		return err
	}

	detected, err := s.Detector.Detect(ctx, job.ImageData)
	if err != nil {
		s.failJob(ctx, jobID, job.OwnerID, classifyDetectFailure(err), fmt.Errorf("detect: %w", err), &startedAt)
		return err
	}

	derived := particles.Calculate(detected.Detections, detected.ImageWidth, detected.ImageHeight)

	if err := s.transition(ctx, job, StatusAnalyzing, &startedAt); err != nil {
		return err
	}

	summary, err := s.Summarizer.Summarize(ctx, llm.SummaryInput{
		ParticleCount: derived.ParticleCount,
		ParticleTypes: summaryCounts(derived.ParticleTypes),
		PolymerTypes:  summaryCounts(derived.PolymerTypes),
	})
	if err != nil {
		s.failJob(ctx, jobID, job.OwnerID, ErrorCodeSummaryFailed, fmt.Errorf("summarize: %w", err), &startedAt)
		return err
	}
	if strings.TrimSpace(summary) == "" {
		err := errors.New("model returned an empty summary")
		s.failJob(ctx, jobID, job.OwnerID, ErrorCodeEmptyModelOutput, err, &startedAt)
		return err
	}

	result := AnalysisResult{
		AnalysisSummary:         summary,
		ParticleTypes:           derived.ParticleTypes,
		PolymerTypes:            derived.PolymerTypes,
		ContaminationPercentage: derived.ContaminationPercentage,
		ParticleCount:           derived.ParticleCount,
		Particles:               derived.Particles,
		EstimatedParticlesPerMl: float64(derived.ParticleCount) / referenceSampleVolumeMl,
	}

	completedAt := time.Now().UTC()
	status := StatusComplete
	err = s.Repo.Update(ctx, jobID, UpdateFields{
		Status:      &status,
		Result:      &result,
		CompletedAt: &completedAt,
	})
	if err != nil {
		s.failJob(ctx, jobID, job.OwnerID, ErrorCodeStorage, fmt.Errorf("set result failed: %w", err), &startedAt)
		return err
	}
	metrics.IncAnalysisCompleted()
	metrics.ObservePipelineDurationMs(durationMs(&startedAt, &completedAt))
	telemetry.Info("analysis.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"owner_id":          job.OwnerID,
		"analysis_id":       jobID,
		"status":            StatusComplete,
		"status_transition": StatusAnalyzing + "->" + StatusComplete,
		"particle_count":    result.ParticleCount,
		"duration_ms":       durationMs(&startedAt, &completedAt),
	})
	return nil
}

func (s *Service) transition(ctx context.Context, job AnalysisJob, status string, startedAt *time.Time) error {
	if err := s.Repo.Update(ctx, job.ID, UpdateFields{Status: &status}); err != nil {
		s.failJob(ctx, job.ID, job.OwnerID, ErrorCodeStorage, fmt.Errorf("set %s failed: %w", status, err), startedAt)
		return err
	}
	telemetry.Info("analysis.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"owner_id":          job.OwnerID,
		"analysis_id":       job.ID,
		"status":            status,
		"status_transition": job.Status + "->" + status,
	})
	return nil
}

// failJob writes the terminal error state with a background context so a
// cancelled pipeline context cannot strand the job mid-flight.
func (s *Service) failJob(ctx context.Context, jobID, ownerID, code string, err error, startedAt *time.Time) {
	msg := sanitizeError(err)
	completedAt := time.Now().UTC()
	status := StatusError
	updateErr := s.Repo.Update(context.Background(), jobID, UpdateFields{
		Status:       &status,
		ErrorCode:    &code,
		ErrorMessage: &msg,
		CompletedAt:  &completedAt,
	})
	if updateErr != nil {
		fmt.Printf("failJob: update failed id=%s err=%v orig=%v\n", jobID, updateErr, err)
	}
	metrics.IncAnalysisFailed()
	if startedAt != nil {
		metrics.ObservePipelineDurationMs(durationMs(startedAt, &completedAt))
	}
	telemetry.Info("analysis.status", map[string]any{
		"request_id":        requestIDFromContext(ctx),
		"owner_id":          ownerID,
		"analysis_id":       jobID,
		"status":            StatusError,
		"status_transition": "->" + StatusError,
		"error_code":        code,
		"duration_ms":       durationMs(startedAt, &completedAt),
	})
}

func classifyDetectFailure(err error) string {
	switch {
	case errors.Is(err, detect.ErrAuth):
		return ErrorCodeDetectionAuth
	case errors.Is(err, detect.ErrProtocol):
		return ErrorCodeDetectionProtocol
	case errors.Is(err, detect.ErrUnavailable):
		return ErrorCodeDetectionUnavailable
	case errors.Is(err, detect.ErrTransport):
		return ErrorCodeDetectionTransport
	default:
		return ErrorCodeInternal
	}
}

func summaryCounts(counts []particles.TypeCount) []llm.TypeCountInput {
	out := make([]llm.TypeCountInput, 0, len(counts))
	for _, c := range counts {
		out = append(out, llm.TypeCountInput{Type: c.Type, Count: c.Count})
	}
	return out
}

func durationMs(startedAt, completedAt *time.Time) float64 {
	if startedAt == nil || completedAt == nil {
		return 0
	}
	return float64(completedAt.Sub(*startedAt).Microseconds()) / 1000.0
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
