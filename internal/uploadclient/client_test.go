package uploadclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/knee-grader/internal/predictor"
)

// pngBytes carries the PNG magic number so DetectContentType sniffs image/png.
var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), []byte("fake png payload")...)

type stubPredictor struct {
	mu      sync.Mutex
	calls   int
	result  *predictor.Result
	err     error
	block   chan struct{}
	started chan struct{}
}

func (s *stubPredictor) Predict(ctx context.Context, filename string, image []byte) (*predictor.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubPredictor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestClient(p predictor.Client) *Client {
	return New(p, zap.NewNop())
}

func TestSelectFileRejectsNonImage(t *testing.T) {
	client := newTestClient(&stubPredictor{})

	err := client.SelectFile("notes.txt", []byte("plain text, not an image"))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	snap := client.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("expected state %q, got %q", StateIdle, snap.State)
	}
	if snap.Message == "" {
		t.Fatal("expected a validation message to be surfaced")
	}
	if snap.FileName != "" {
		t.Fatalf("expected no held selection, got %q", snap.FileName)
	}
}

func TestSelectFileRejectionClearsPreviousSelection(t *testing.T) {
	client := newTestClient(&stubPredictor{})

	if err := client.SelectFile("knee.png", pngBytes); err != nil {
		t.Fatalf("expected image to be accepted, got %v", err)
	}
	if err := client.SelectFile("notes.txt", []byte("plain text, not an image")); err == nil {
		t.Fatal("expected validation error")
	}

	snap := client.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("expected state %q, got %q", StateIdle, snap.State)
	}
	if snap.FileName != "" || snap.PreviewURI != "" {
		t.Fatal("expected previous selection to be cleared")
	}
}

func TestSelectFileAcceptsImage(t *testing.T) {
	client := newTestClient(&stubPredictor{})

	if err := client.SelectFile("knee.png", pngBytes); err != nil {
		t.Fatalf("expected image to be accepted, got %v", err)
	}

	snap := client.Snapshot()
	if snap.State != StatePreviewing {
		t.Fatalf("expected state %q, got %q", StatePreviewing, snap.State)
	}
	if !strings.HasPrefix(snap.PreviewURI, "data:image/png;base64,") {
		t.Fatalf("expected a png data URI preview, got %q", snap.PreviewURI)
	}
	if snap.FileName != "knee.png" {
		t.Fatalf("expected held file knee.png, got %q", snap.FileName)
	}
}

func TestSubmitWithoutSelectionIsNoOp(t *testing.T) {
	stub := &stubPredictor{}
	client := newTestClient(stub)

	if err := client.Submit(context.Background()); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
	if stub.callCount() != 0 {
		t.Fatalf("expected no prediction call, got %d", stub.callCount())
	}
	if snap := client.Snapshot(); snap.State != StateIdle {
		t.Fatalf("expected state %q, got %q", StateIdle, snap.State)
	}
}

func TestSubmitSuccess(t *testing.T) {
	stub := &stubPredictor{result: &predictor.Result{
		Grade:         2,
		Report:        "Moderate",
		Probabilities: [predictor.GradeCount]float64{0.1, 0.2, 0.4, 0.2, 0.1},
	}}
	client := newTestClient(stub)

	mustSelect(t, client, "knee.png", pngBytes)
	if err := client.Submit(context.Background()); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	snap := client.Snapshot()
	if snap.State != StateSuccess {
		t.Fatalf("expected state %q, got %q", StateSuccess, snap.State)
	}
	if snap.Result == nil || snap.Result.Grade != 2 || snap.Result.Report != "Moderate" {
		t.Fatalf("unexpected result: %+v", snap.Result)
	}
}

func TestSubmitSurfacesServerMessage(t *testing.T) {
	stub := &stubPredictor{err: &predictor.ServerError{Status: 400, Message: "bad image"}}
	client := newTestClient(stub)

	mustSelect(t, client, "knee.png", pngBytes)
	if err := client.Submit(context.Background()); err == nil {
		t.Fatal("expected submission error")
	}

	snap := client.Snapshot()
	if snap.State != StateError {
		t.Fatalf("expected state %q, got %q", StateError, snap.State)
	}
	if snap.Message != "bad image" {
		t.Fatalf("expected server message to be surfaced verbatim, got %q", snap.Message)
	}
}

func TestSubmitNetworkFailureThenRetry(t *testing.T) {
	stub := &stubPredictor{err: &predictor.NetworkError{Err: errors.New("connection refused")}}
	client := newTestClient(stub)

	mustSelect(t, client, "knee.png", pngBytes)
	if err := client.Submit(context.Background()); err == nil {
		t.Fatal("expected submission error")
	}

	snap := client.Snapshot()
	if snap.State != StateError {
		t.Fatalf("expected state %q, got %q", StateError, snap.State)
	}
	if snap.Message != connectivityMessage {
		t.Fatalf("expected connectivity message, got %q", snap.Message)
	}

	// The trigger is re-enabled: a fresh selection and submit must go through.
	stub.err = nil
	stub.result = &predictor.Result{Grade: 1, Report: "Doubtful"}
	mustSelect(t, client, "knee.png", pngBytes)
	if err := client.Submit(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if snap := client.Snapshot(); snap.State != StateSuccess {
		t.Fatalf("expected state %q, got %q", StateSuccess, snap.State)
	}
}

func TestSubmitMalformedResponse(t *testing.T) {
	stub := &stubPredictor{err: &predictor.MalformedResponseError{Reason: "payload has no grade"}}
	client := newTestClient(stub)

	mustSelect(t, client, "knee.png", pngBytes)
	if err := client.Submit(context.Background()); err == nil {
		t.Fatal("expected submission error")
	}

	snap := client.Snapshot()
	if snap.State != StateError {
		t.Fatalf("expected state %q, got %q", StateError, snap.State)
	}
	if snap.Message != malformedMessage {
		t.Fatalf("expected malformed-response message, got %q", snap.Message)
	}
}

func TestInFlightSubmissionGuards(t *testing.T) {
	stub := &stubPredictor{
		result:  &predictor.Result{Grade: 3, Report: "Moderate"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	client := newTestClient(stub)
	mustSelect(t, client, "knee.png", pngBytes)

	done := make(chan error, 1)
	go func() {
		done <- client.Submit(context.Background())
	}()

	select {
	case <-stub.started:
	case <-time.After(time.Second):
		t.Fatal("submission did not start")
	}

	// A second submit while one is in flight is a no-op.
	if err := client.Submit(context.Background()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	// Selecting a new file while submitting is ignored until it settles.
	if err := client.SelectFile("other.png", pngBytes); err != nil {
		t.Fatalf("expected ignored selection, got %v", err)
	}
	if snap := client.Snapshot(); snap.State != StateSubmitting {
		t.Fatalf("expected state %q, got %q", StateSubmitting, snap.State)
	}

	close(stub.block)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submission did not settle")
	}

	if stub.callCount() != 1 {
		t.Fatalf("expected exactly one prediction call, got %d", stub.callCount())
	}
	snap := client.Snapshot()
	if snap.State != StateSuccess {
		t.Fatalf("expected state %q, got %q", StateSuccess, snap.State)
	}
	if snap.FileName != "knee.png" {
		t.Fatalf("expected original selection to survive, got %q", snap.FileName)
	}
}

func TestResetReturnsToIdle(t *testing.T) {
	stub := &stubPredictor{result: &predictor.Result{Grade: 4, Report: "Severe"}}
	client := newTestClient(stub)

	mustSelect(t, client, "knee.png", pngBytes)
	if err := client.Submit(context.Background()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	client.Reset()
	snap := client.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("expected state %q, got %q", StateIdle, snap.State)
	}
	if snap.FileName != "" || snap.PreviewURI != "" || snap.Result != nil || snap.Message != "" {
		t.Fatalf("expected a fully cleared client, got %+v", snap)
	}

	// Idempotent: a second reset observes the same state.
	client.Reset()
	if again := client.Snapshot(); again != snap {
		t.Fatalf("expected identical snapshots, got %+v and %+v", snap, again)
	}
}

func TestNewSelectionAfterSuccessDropsResult(t *testing.T) {
	stub := &stubPredictor{result: &predictor.Result{Grade: 2, Report: "Moderate"}}
	client := newTestClient(stub)

	mustSelect(t, client, "knee.png", pngBytes)
	if err := client.Submit(context.Background()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	mustSelect(t, client, "other.png", pngBytes)
	snap := client.Snapshot()
	if snap.State != StatePreviewing {
		t.Fatalf("expected state %q, got %q", StatePreviewing, snap.State)
	}
	if snap.Result != nil {
		t.Fatal("expected prior result to be discarded on new selection")
	}
	if snap.FileName != "other.png" {
		t.Fatalf("expected new selection, got %q", snap.FileName)
	}
}

func mustSelect(t *testing.T, client *Client, name string, data []byte) {
	t.Helper()
	if err := client.SelectFile(name, data); err != nil {
		t.Fatalf("SelectFile(%s) failed: %v", name, err)
	}
}
