package uploadclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/knee-grader/internal/logging"
	"github.com/example/knee-grader/internal/predictor"
)

// State identifies which phase of the upload flow a client is in. Exactly one
// state is active at a time and it decides which page region renders.
type State string

const (
	StateIdle       State = "idle"
	StatePreviewing State = "previewing"
	StateSubmitting State = "submitting"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// DefaultReport is the placeholder text shown until a prediction arrives.
const DefaultReport = "Upload a knee X-ray to see its predicted Kellgren-Lawrence grade."

// Messages surfaced for failures that carry no usable server text.
const (
	connectivityMessage = "Could not reach the grading service. Please try again."
	malformedMessage    = "The grading service returned an unexpected response."
	fallbackMessage     = "The grading service rejected the request."
)

// SelectedFile is the image currently held for submission.
type SelectedFile struct {
	Name string
	MIME string
	Data []byte
}

// ValidationError reports a selected file that is not an image.
type ValidationError struct {
	Name string
	MIME string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is not an image (detected %s)", e.Name, e.MIME)
}

// Client is the upload-and-result state machine. It owns the selected file,
// the current UI state, and the last prediction result, and it is the only
// writer of all three. A mutex stands in for the single-threaded event loop
// the flow assumes: actions arriving while a submission is in flight are
// dropped, not queued.
type Client struct {
	mu        sync.Mutex
	state     State
	file      *SelectedFile
	preview   string
	result    *predictor.Result
	message   string
	predictor predictor.Client
	logger    *zap.Logger
}

// Snapshot is an immutable view of the client for rendering.
type Snapshot struct {
	State      State
	FileName   string
	PreviewURI string
	Result     *predictor.Result
	Message    string
}

// New constructs an idle client around the given prediction collaborator.
func New(p predictor.Client, logger *zap.Logger) *Client {
	return &Client{
		state:     StateIdle,
		predictor: p,
		logger:    logger.Named("uploadclient"),
	}
}

// SelectFile validates and takes ownership of a newly chosen file. A
// non-image selection clears any previous selection, surfaces a validation
// message, and lands back in Idle. While a submission is in flight the call
// is ignored until it settles.
func (c *Client) SelectFile(name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSubmitting {
		c.logger.Debug("file selection ignored while submitting", zap.String("file", name))
		return nil
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		c.clearLocked()
		err := &ValidationError{Name: name, MIME: mime}
		c.message = fmt.Sprintf("%q is not an image file.", name)
		c.logger.Warn("rejected non-image selection",
			zap.String("file", name), zap.String("mime", mime))
		return err
	}

	c.clearLocked()
	c.file = &SelectedFile{Name: name, MIME: mime, Data: data}
	c.preview = dataURI(mime, data)
	c.state = StatePreviewing
	c.logger.Info("file selected",
		zap.String("file", name), zap.String("mime", mime), zap.Int("bytes", len(data)))
	return nil
}

// Submit sends the held file to the prediction collaborator. Without a
// selection, or while another submission is in flight, it is a no-op and no
// request is issued. The client always leaves Submitting: Success on a usable
// result, Error otherwise, with a message matching the failure class.
func (c *Client) Submit(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateSubmitting || c.file == nil {
		c.mu.Unlock()
		return nil
	}
	file := c.file
	c.result = nil
	c.message = ""
	c.state = StateSubmitting
	c.mu.Unlock()

	result, err := c.predictor.Predict(ctx, file.Name, file.Data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateError
		c.message = messageFor(err)
		c.logger.Error("submission failed",
			zap.Error(logging.NewOperationError("uploadclient.submit", "", err)))
		return err
	}
	c.result = result
	c.state = StateSuccess
	c.logger.Info("prediction received", zap.Int("grade", result.Grade))
	return nil
}

// Reset returns the client to Idle, dropping the selection and any result.
// Calling it again is harmless; it is ignored while a submission is in
// flight.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSubmitting {
		return
	}
	c.clearLocked()
}

// Snapshot copies the observable state for rendering.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:      c.state,
		PreviewURI: c.preview,
		Message:    c.message,
	}
	if c.file != nil {
		snap.FileName = c.file.Name
	}
	if c.result != nil {
		result := *c.result
		snap.Result = &result
	}
	return snap
}

func (c *Client) clearLocked() {
	c.file = nil
	c.preview = ""
	c.result = nil
	c.message = ""
	c.state = StateIdle
}

func messageFor(err error) string {
	var serverErr *predictor.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.Message != "" {
			return serverErr.Message
		}
		return fallbackMessage
	}
	var malformed *predictor.MalformedResponseError
	if errors.As(err, &malformed) {
		return malformedMessage
	}
	return connectivityMessage
}

func dataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
