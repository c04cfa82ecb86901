package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"proctor/internal/pipeline"
)

var _ pipeline.IdentityMatcher = (*HTTPMatcher)(nil)

// HTTPMatcher verifies the candidate's identity via the face recognition service
type HTTPMatcher struct {
	endpoint    string
	studentID   string
	client      *http.Client
	threshold   float64
	jpegQuality int
}

// HTTPMatcherConfig holds configuration for the face recognition service
type HTTPMatcherConfig struct {
	Endpoint  string
	StudentID string
	// Threshold is the maximum distance counted as a match when the
	// service response omits a verdict
	Threshold float64
	Timeout   time.Duration
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string `json:"status"`
	Device      string `json:"device,omitempty"`
	ModelLoaded bool   `json:"model_loaded"`
}

// matchResponse is the body returned by POST /match
type matchResponse struct {
	Matched    *bool   `json:"matched"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
}

// NewHTTPMatcher creates a new face recognition client
func NewHTTPMatcher(config HTTPMatcherConfig) *HTTPMatcher {
	threshold := config.Threshold
	if threshold <= 0 {
		threshold = 0.6
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPMatcher{
		endpoint:    strings.TrimRight(config.Endpoint, "/"),
		studentID:   config.StudentID,
		threshold:   threshold,
		jpegQuality: 90,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (m *HTTPMatcher) Name() string {
	return "http-identity"
}

// LoadModel checks that the service is up and its model is loaded
func (m *HTTPMatcher) LoadModel(ctx context.Context) error {
	return m.CheckHealth(ctx)
}

func (m *HTTPMatcher) Cleanup() error {
	m.client.CloseIdleConnections()
	return nil
}

// CheckHealth checks if the face recognition service is available
func (m *HTTPMatcher) CheckHealth(ctx context.Context) error {
	if m.endpoint == "" {
		return fmt.Errorf("face recognition endpoint is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	if health.Status != "healthy" || !health.ModelLoaded {
		return fmt.Errorf("service unhealthy: status=%s, model_loaded=%v", health.Status, health.ModelLoaded)
	}
	return nil
}

// MatchWithDetails sends the face crop to the service and returns its verdict
func (m *HTTPMatcher) MatchWithDetails(ctx context.Context, frame *pipeline.FrameData, face pipeline.FaceRegion) (pipeline.MatchResult, error) {
	crop := frame.Crop(face.BBox)
	if !crop.Valid() {
		return pipeline.MatchResult{}, fmt.Errorf("face box %+v outside frame", face.BBox)
	}

	var img bytes.Buffer
	if err := jpeg.Encode(&img, crop.ToRGBA(), &jpeg.Options{Quality: m.jpegQuality}); err != nil {
		return pipeline.MatchResult{}, fmt.Errorf("failed to encode face: %w", err)
	}

	body, err := m.sendImageRequest(ctx, m.endpoint+"/match", img.Bytes())
	if err != nil {
		return pipeline.MatchResult{}, err
	}

	var resp matchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return pipeline.MatchResult{}, fmt.Errorf("failed to decode match response: %w", err)
	}

	result := pipeline.MatchResult{
		Distance:   resp.Distance,
		Confidence: resp.Confidence,
		Threshold:  m.threshold,
	}
	if resp.Threshold > 0 {
		result.Threshold = resp.Threshold
	}
	if resp.Matched != nil {
		result.Matched = *resp.Matched
	} else {
		result.Matched = result.Distance <= result.Threshold
	}
	return result, nil
}

// sendImageRequest sends an image as multipart form data
func (m *HTTPMatcher) sendImageRequest(ctx context.Context, url string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="face.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if m.studentID != "" {
		if err := writer.WriteField("student_id", m.studentID); err != nil {
			return nil, fmt.Errorf("failed to write student id: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
