package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stage Stage
		want  Class
	}{
		{StageResolve, ClassConfiguration},
		{StageMerge, ClassConfiguration},
		{StageFetch, ClassFetch},
		{StageExtract, ClassFetch},
		{StagePatch, ClassPatch},
		{StageOverlay, ClassOverlay},
		{StageBuild, ClassBuild},
		{StageCollect, ClassCollection},
	}
	for _, tc := range cases {
		err := &StageError{Stage: tc.stage, Err: errors.New("cause")}
		if got := Classify(err); got != tc.want {
			t.Fatalf("Classify(%s) = %v, want %v", tc.stage, got, tc.want)
		}
		// Wrapping must not hide the classification.
		if got := Classify(fmt.Errorf("outer: %w", err)); got != tc.want {
			t.Fatalf("Classify(wrapped %s) = %v, want %v", tc.stage, got, tc.want)
		}
	}

	if got := Classify(errors.New("plain")); got != ClassUnknown {
		t.Fatalf("Classify(plain) = %v", got)
	}
	if got := Classify(nil); got != ClassUnknown {
		t.Fatalf("Classify(nil) = %v", got)
	}
}

func TestStageErrorPreservesCause(t *testing.T) {
	t.Parallel()

	cause := &IntegrityError{Filename: "a.tar.xz", Expected: "aa", Actual: "bb"}
	err := &StageError{Stage: StageFetch, Err: cause}

	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("cause not reachable through StageError")
	}
	if integrity.Filename != "a.tar.xz" {
		t.Fatalf("unexpected cause %+v", integrity)
	}
}

func TestCancelled(t *testing.T) {
	t.Parallel()

	wrapped := &StageError{Stage: StageBuild, Err: fmt.Errorf("%w: deadline", ErrBuildCancelled)}
	if !Cancelled(wrapped) {
		t.Fatalf("ErrBuildCancelled not recognised")
	}
	if !Cancelled(context.Canceled) {
		t.Fatalf("context.Canceled not recognised")
	}
	if Cancelled(&BuildFailedError{ExitCode: 2}) {
		t.Fatalf("build failure misreported as cancellation")
	}
}
