package predictclient

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/knee-grader/internal/logging"
	"github.com/example/knee-grader/internal/predictor"
)

// UploadFieldName is the multipart form field the prediction service reads
// the image from. Agreed with the server; do not change unilaterally.
const UploadFieldName = "file"

const predictPath = "/predict"

// Client talks to the grading model's HTTP endpoint.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// New builds a prediction client for the service at baseURL.
func New(baseURL string, logger *zap.Logger) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")
	return &Client{http: rc, logger: logger.Named("predictclient")}
}

// SetTimeout bounds each prediction call. Zero means no timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.http.SetTimeout(d)
}

type predictionPayload struct {
	Grade         *int      `json:"grade"`
	Report        string    `json:"report"`
	Description   string    `json:"description"`
	Probabilities []float64 `json:"probabilities"`
	Error         string    `json:"error"`
}

// Predict uploads the image as multipart form data and maps the response
// onto the predictor error taxonomy. Success requires a 2xx status and a
// grade in the payload; a usable payload with a missing or short
// probabilities field gets a zeroed distribution instead of failing.
func (c *Client) Predict(ctx context.Context, filename string, image []byte) (*predictor.Result, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader(UploadFieldName, filename, bytes.NewReader(image)).
		Post(predictPath)
	if err != nil {
		wrapped := &predictor.NetworkError{Err: err}
		c.logger.Error("prediction request failed",
			zap.Error(logging.NewOperationError("predictclient.predict", "", wrapped)))
		return nil, wrapped
	}

	var payload predictionPayload
	decodeErr := json.Unmarshal(resp.Body(), &payload)

	if !resp.IsSuccess() {
		serverErr := &predictor.ServerError{Status: resp.StatusCode()}
		if decodeErr == nil {
			serverErr.Message = payload.Error
		}
		c.logger.Warn("prediction rejected by service",
			zap.Int("status", resp.StatusCode()),
			zap.String("message", serverErr.Message))
		return nil, serverErr
	}

	if decodeErr != nil {
		c.logger.Warn("undecodable prediction payload", zap.Error(decodeErr))
		return nil, &predictor.MalformedResponseError{Reason: "payload is not valid JSON"}
	}
	if payload.Grade == nil {
		return nil, &predictor.MalformedResponseError{Reason: "payload has no grade"}
	}
	if *payload.Grade < 0 || *payload.Grade >= predictor.GradeCount {
		return nil, &predictor.MalformedResponseError{Reason: "grade out of range"}
	}

	result := &predictor.Result{
		Grade:  *payload.Grade,
		Report: payload.Report,
	}
	if result.Report == "" {
		result.Report = payload.Description
	}
	result.Probabilities = normalizeProbabilities(payload.Probabilities)
	return result, nil
}

// normalizeProbabilities enforces the five-slot shape; anything else
// collapses to the zeroed safe default.
func normalizeProbabilities(probs []float64) [predictor.GradeCount]float64 {
	var out [predictor.GradeCount]float64
	if len(probs) != predictor.GradeCount {
		return out
	}
	for i, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return [predictor.GradeCount]float64{}
		}
		out[i] = p
	}
	return out
}
