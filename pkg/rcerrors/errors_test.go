package rcerrors_test

import (
	"fmt"
	"testing"

	"github.com/opensci/runcat/pkg/rcerrors"
)

func TestNewCapturesContext(t *testing.T) {
	err := rcerrors.New(rcerrors.KindNotFound, "run not found").WithRun("abc123")
	if err.Kind != rcerrors.KindNotFound {
		t.Fatalf("expected kind %q, got %q", rcerrors.KindNotFound, err.Kind)
	}
	if err.RunUID != "abc123" {
		t.Fatalf("expected run uid abc123, got %q", err.RunUID)
	}
	if len(err.Stack) == 0 {
		t.Fatal("expected a non-empty captured stack")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := rcerrors.Wrap(cause, rcerrors.KindStoreError, "failed to fetch page")

	if err.Unwrap() != cause {
		t.Fatal("expected Unwrap to return the original cause")
	}
	if !rcerrors.IsRetryable(err) {
		t.Fatal("expected store errors to be retryable")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if rcerrors.Wrap(nil, rcerrors.KindStoreError, "unreachable") != nil {
		t.Fatal("expected Wrap(nil, ...) to return nil")
	}
}

func TestIsKind(t *testing.T) {
	err := rcerrors.New(rcerrors.KindBadShapeMetadata, "shape deficit exceeds tolerance").
		WithStream("primary").
		WithColumn("det_image")

	if !rcerrors.IsKind(err, rcerrors.KindBadShapeMetadata) {
		t.Fatal("expected IsKind to match")
	}
	if rcerrors.IsKind(err, rcerrors.KindNotFound) {
		t.Fatal("expected IsKind to not match a different kind")
	}
	if err.Stream != "primary" || err.Column != "det_image" {
		t.Fatalf("expected stream/column to be set, got %+v", err)
	}
}

func TestNotRetryableByDefault(t *testing.T) {
	err := rcerrors.New(rcerrors.KindUnsupportedDtype, "no dtype rule matched")
	if rcerrors.IsRetryable(err) {
		t.Fatal("expected dtype errors to not be retryable")
	}
}

func ExampleNew() {
	err := rcerrors.New(rcerrors.KindDuplicateHandler, "handler already registered").
		WithDetail("spec", "s3")
	fmt.Println(err.Kind)
	// Output: duplicate_handler
}
