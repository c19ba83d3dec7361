package roboflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"aqualens-backend/internal/detect"
	"aqualens-backend/internal/shared/util"
)

const (
	defaultAPIURL = "https://detect.roboflow.com"

	// Model-side filtering thresholds, matching the hosted model defaults.
	confidenceThreshold = 40
	overlapThreshold    = 30
)

// Client implements detect.Detector against the Roboflow hosted inference API.
type Client struct {
	apiURL     string
	modelID    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a Roboflow client. The API key may be empty at
// construction; Detect reports detect.ErrAuth when it is missing.
func NewClient(apiURL, modelID, apiKey string) (*Client, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, fmt.Errorf("ROBOFLOW_MODEL_ID is required")
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = defaultAPIURL
	}
	timeout := 60 * time.Second
	if raw := strings.TrimSpace(os.Getenv("ROBOFLOW_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}
	return &Client{
		apiURL:  strings.TrimRight(apiURL, "/"),
		modelID: modelID,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type inferenceResponse struct {
	Predictions []detect.RawDetection `json:"predictions"`
	Image       *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"image"`
}

// Detect posts the image to the hosted model and returns raw detections. The
// request body is the bare base64 payload, stripped of the data-URI prefix.
func (c *Client) Detect(ctx context.Context, imageDataURI string) (detect.Result, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return detect.Result{}, fmt.Errorf("%w: ROBOFLOW_API_KEY is not configured", detect.ErrAuth)
	}

	parsed, err := util.ParseImageDataURI(imageDataURI)
	if err != nil {
		return detect.Result{}, fmt.Errorf("%w: %v", detect.ErrProtocol, err)
	}

	query := url.Values{}
	query.Set("api_key", c.apiKey)
	query.Set("confidence", strconv.Itoa(confidenceThreshold))
	query.Set("overlap", strconv.Itoa(overlapThreshold))
	endpoint := fmt.Sprintf("%s/%s?%s", c.apiURL, c.modelID, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(parsed.Payload))
	if err != nil {
		return detect.Result{}, fmt.Errorf("%w: %v", detect.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return detect.Result{}, fmt.Errorf("%w: %v", detect.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return detect.Result{}, fmt.Errorf("%w: read response: %v", detect.ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return detect.Result{}, fmt.Errorf("%w: status %d", detect.ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return detect.Result{}, fmt.Errorf("%w: status %d", detect.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return detect.Result{}, fmt.Errorf("%w: status %d: %s", detect.ErrProtocol, resp.StatusCode, truncate(body, 200))
	}

	var decoded inferenceResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return detect.Result{}, fmt.Errorf("%w: decode body: %v", detect.ErrProtocol, err)
	}
	if decoded.Image == nil {
		return detect.Result{}, fmt.Errorf("%w: missing image dimensions", detect.ErrProtocol)
	}
	if decoded.Predictions == nil {
		return detect.Result{}, fmt.Errorf("%w: missing predictions array", detect.ErrProtocol)
	}

	return detect.Result{
		Detections:  decoded.Predictions,
		ImageWidth:  decoded.Image.Width,
		ImageHeight: decoded.Image.Height,
	}, nil
}

func truncate(body []byte, n int) string {
	s := string(body)
	if len(s) > n {
		return s[:n]
	}
	return s
}

var _ detect.Detector = (*Client)(nil)
