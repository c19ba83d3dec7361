package analyses

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"aqualens-backend/internal/detect"
	"aqualens-backend/internal/llm"
	"aqualens-backend/internal/queue"
)

type stubDetector struct {
	result detect.Result
	err    error
}

func (d stubDetector) Detect(ctx context.Context, imageDataURI string) (detect.Result, error) {
	_ = ctx
	_ = imageDataURI
	return d.result, d.err
}

type panicDetector struct{}

func (panicDetector) Detect(ctx context.Context, imageDataURI string) (detect.Result, error) {
	panic("detector blew up")
}

type stubSummarizer struct {
	summary string
	err     error

	mu   sync.Mutex
	seen []llm.SummaryInput
}

func (s *stubSummarizer) Summarize(ctx context.Context, input llm.SummaryInput) (string, error) {
	_ = ctx
	s.mu.Lock()
	s.seen = append(s.seen, input)
	s.mu.Unlock()
	return s.summary, s.err
}

type recordingQueue struct {
	mu   sync.Mutex
	sent []queue.Message
	err  error
}

func (q *recordingQueue) Send(ctx context.Context, msg queue.Message) error {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, msg)
	return nil
}

func testImageData() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
}

func seedJob(t *testing.T, repo Repo, imageData string) AnalysisJob {
	t.Helper()
	job := AnalysisJob{
		ID:        "job-1",
		OwnerID:   "owner-1",
		Status:    StatusNew,
		ImageData: imageData,
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func sampleDetections() detect.Result {
	return detect.Result{
		Detections: []detect.RawDetection{
			{X: 100, Y: 200, Width: 10, Height: 20, Confidence: 0.91, Class: "Fiber"},
			{X: 300, Y: 400, Width: 30, Height: 40, Confidence: 0.72, Class: "Fragment"},
		},
		ImageWidth:  1000,
		ImageHeight: 1000,
	}
}

func TestCreateEnqueuesWhenQueueConfigured(t *testing.T) {
	repo := NewMemoryRepo()
	q := &recordingQueue{}
	svc := NewService(repo, stubDetector{}, &stubSummarizer{summary: "ok"}, q)

	job, err := svc.Create(context.Background(), "owner-1", testImageData())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != StatusNew {
		t.Fatalf("Status = %q, want %q", job.Status, StatusNew)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sent) != 1 || q.sent[0].JobID != job.ID {
		t.Fatalf("queue sent = %+v, want one message for %s", q.sent, job.ID)
	}

	stored, err := repo.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.ImageData == "" {
		t.Fatal("stored job lost its image payload")
	}
}

func TestCreateRejectsMalformedImageData(t *testing.T) {
	svc := NewService(NewMemoryRepo(), stubDetector{}, &stubSummarizer{summary: "ok"}, &recordingQueue{})

	for _, bad := range []string{"", "not a data uri", "data:text/plain;base64,aGk=", "data:image/png;base64,%%%"} {
		if _, err := svc.Create(context.Background(), "owner-1", bad); err == nil {
			t.Fatalf("Create(%q) succeeded, want validation error", bad)
		}
	}
}

func TestCreateRejectsOversizedImage(t *testing.T) {
	svc := NewService(NewMemoryRepo(), stubDetector{}, &stubSummarizer{summary: "ok"}, &recordingQueue{})

	big := make([]byte, maxImageBytes+1)
	data := "data:image/png;base64," + base64.StdEncoding.EncodeToString(big)
	_, err := svc.Create(context.Background(), "owner-1", data)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("Create err = %v, want ErrImageTooLarge", err)
	}
}

func TestCreateRateLimitsPerOwner(t *testing.T) {
	svc := NewService(NewMemoryRepo(), stubDetector{}, &stubSummarizer{summary: "ok"}, &recordingQueue{})

	if _, err := svc.Create(context.Background(), "owner-1", testImageData()); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := svc.Create(context.Background(), "owner-1", testImageData()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Create err = %v, want ErrRateLimited", err)
	}
	// A different owner is not throttled by the first owner's submission.
	if _, err := svc.Create(context.Background(), "owner-2", testImageData()); err != nil {
		t.Fatalf("other owner Create: %v", err)
	}
}

func TestProcessJobHappyPath(t *testing.T) {
	repo := NewMemoryRepo()
	summarizer := &stubSummarizer{summary: "Moderate contamination detected."}
	svc := NewService(repo, stubDetector{result: sampleDetections()}, summarizer, nil)
	job := seedJob(t, repo, testImageData())

	if err := svc.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	got, err := repo.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusComplete {
		t.Fatalf("Status = %q, want %q", got.Status, StatusComplete)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set on completion")
	}
	if got.Result == nil {
		t.Fatal("Result not set on completion")
	}
	if got.Result.AnalysisSummary != summarizer.summary {
		t.Fatalf("AnalysisSummary = %q", got.Result.AnalysisSummary)
	}
	if got.Result.ParticleCount != 2 {
		t.Fatalf("ParticleCount = %d, want 2", got.Result.ParticleCount)
	}
	if got.Result.EstimatedParticlesPerMl != 4 {
		t.Fatalf("EstimatedParticlesPerMl = %v, want 4", got.Result.EstimatedParticlesPerMl)
	}
	if got.ErrorCode != "" || got.ErrorMessage != "" {
		t.Fatalf("completed job carries error: %q %q", got.ErrorCode, got.ErrorMessage)
	}

	summarizer.mu.Lock()
	defer summarizer.mu.Unlock()
	if len(summarizer.seen) != 1 || summarizer.seen[0].ParticleCount != 2 {
		t.Fatalf("summarizer input = %+v", summarizer.seen)
	}
}

func TestProcessJobZeroDetectionsStillCompletes(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, stubDetector{result: detect.Result{ImageWidth: 640, ImageHeight: 480}}, &stubSummarizer{summary: "No particles found."}, nil)
	job := seedJob(t, repo, testImageData())

	if err := svc.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusComplete {
		t.Fatalf("Status = %q, want %q", got.Status, StatusComplete)
	}
	if got.Result.ParticleCount != 0 || got.Result.ContaminationPercentage != 0 {
		t.Fatalf("Result = %+v, want zero metrics", got.Result)
	}
}

func TestProcessJobMissingImageData(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, stubDetector{result: sampleDetections()}, &stubSummarizer{summary: "ok"}, nil)
	job := seedJob(t, repo, "")

	if err := svc.ProcessJob(context.Background(), job.ID); err == nil {
		t.Fatal("ProcessJob succeeded, want failure")
	}

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusError || got.ErrorCode != ErrorCodeMissingImageData {
		t.Fatalf("job = status %q code %q", got.Status, got.ErrorCode)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set on failure")
	}
}

func TestProcessJobUnknownJobWritesNothing(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, stubDetector{}, &stubSummarizer{summary: "ok"}, nil)

	if err := svc.ProcessJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ProcessJob err = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("phantom record created for missing job")
	}
}

func TestProcessJobDetectFailureCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"auth", detect.ErrAuth, ErrorCodeDetectionAuth},
		{"protocol", detect.ErrProtocol, ErrorCodeDetectionProtocol},
		{"unavailable", detect.ErrUnavailable, ErrorCodeDetectionUnavailable},
		{"transport", detect.ErrTransport, ErrorCodeDetectionTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := NewMemoryRepo()
			svc := NewService(repo, stubDetector{err: tc.err}, &stubSummarizer{summary: "ok"}, nil)
			job := seedJob(t, repo, testImageData())

			if err := svc.ProcessJob(context.Background(), job.ID); err == nil {
				t.Fatal("ProcessJob succeeded, want failure")
			}

			got, _ := repo.GetByID(context.Background(), job.ID)
			if got.Status != StatusError || got.ErrorCode != tc.code {
				t.Fatalf("job = status %q code %q, want %q", got.Status, got.ErrorCode, tc.code)
			}
			if got.Result != nil {
				t.Fatal("failed job carries result")
			}
		})
	}
}

func TestProcessJobSummaryFailure(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, stubDetector{result: sampleDetections()}, &stubSummarizer{err: errors.New("quota exceeded")}, nil)
	job := seedJob(t, repo, testImageData())

	if err := svc.ProcessJob(context.Background(), job.ID); err == nil {
		t.Fatal("ProcessJob succeeded, want failure")
	}

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.ErrorCode != ErrorCodeSummaryFailed {
		t.Fatalf("ErrorCode = %q, want %q", got.ErrorCode, ErrorCodeSummaryFailed)
	}
	if !strings.Contains(got.ErrorMessage, "quota exceeded") {
		t.Fatalf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestProcessJobEmptySummary(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, stubDetector{result: sampleDetections()}, &stubSummarizer{summary: "   "}, nil)
	job := seedJob(t, repo, testImageData())

	if err := svc.ProcessJob(context.Background(), job.ID); err == nil {
		t.Fatal("ProcessJob succeeded, want failure")
	}

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.ErrorCode != ErrorCodeEmptyModelOutput {
		t.Fatalf("ErrorCode = %q, want %q", got.ErrorCode, ErrorCodeEmptyModelOutput)
	}
}

func TestProcessJobRecoversFromPanic(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, panicDetector{}, &stubSummarizer{summary: "ok"}, nil)
	job := seedJob(t, repo, testImageData())

	_ = svc.ProcessJob(context.Background(), job.ID)

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusError || got.ErrorCode != ErrorCodeInternal {
		t.Fatalf("job = status %q code %q", got.Status, got.ErrorCode)
	}
	if !strings.Contains(got.ErrorMessage, "panic") {
		t.Fatalf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestProcessJobAlreadyTerminalIsNoop(t *testing.T) {
	repo := NewMemoryRepo()
	summarizer := &stubSummarizer{summary: "ok"}
	svc := NewService(repo, stubDetector{result: sampleDetections()}, summarizer, nil)
	job := seedJob(t, repo, testImageData())

	if err := svc.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("first ProcessJob: %v", err)
	}
	before, _ := repo.GetByID(context.Background(), job.ID)

	// Redelivery of the same queue message must not reprocess.
	if err := svc.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("second ProcessJob: %v", err)
	}
	after, _ := repo.GetByID(context.Background(), job.ID)
	if after.Version != before.Version {
		t.Fatalf("terminal job rewritten: version %d -> %d", before.Version, after.Version)
	}

	summarizer.mu.Lock()
	defer summarizer.mu.Unlock()
	if len(summarizer.seen) != 1 {
		t.Fatalf("summarizer called %d times, want 1", len(summarizer.seen))
	}
}

func TestSanitizeError(t *testing.T) {
	err := errors.New("line one\nline two\r\n  ")
	if got := sanitizeError(err); strings.ContainsAny(got, "\n\r") {
		t.Fatalf("sanitizeError = %q, want single line", got)
	}

	long := errors.New(strings.Repeat("x", 600))
	if got := sanitizeError(long); len(got) != 500 {
		t.Fatalf("len = %d, want 500", len(got))
	}
}
