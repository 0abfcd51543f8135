package predictor

import (
	"context"
	"fmt"
)

// GradeCount is the number of Kellgren-Lawrence grades the model
// distinguishes (grades 0 through 4).
const GradeCount = 5

// Result contains a single grading outcome returned by the prediction service.
type Result struct {
	Grade         int
	Report        string
	Probabilities [GradeCount]float64
}

// Client exposes the subset of the prediction service used by the upload flow.
type Client interface {
	Predict(ctx context.Context, filename string, image []byte) (*Result, error)
}

// ServerError is a non-2xx response from the prediction service. Message
// carries the server-supplied error text when the payload included one.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("prediction service returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("prediction service returned %d", e.Status)
}

// MalformedResponseError is a 2xx response whose payload could not be used.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "malformed prediction response: " + e.Reason
}

// NetworkError is a transport-level failure: the request never produced an
// HTTP response.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "prediction service unreachable: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
