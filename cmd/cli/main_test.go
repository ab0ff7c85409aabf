package main

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/forgewrt/forgewrt/internal/logging"
	"github.com/forgewrt/forgewrt/internal/pipeline"
)

func TestReportExitCodes(t *testing.T) {
	t.Parallel()

	logger := logging.NewCLI(io.Discard, nil)

	cases := []struct {
		name string
		err  error
		want int
	}{
		{
			// A build terminated mid-run wraps the cancellation sentinel,
			// not context.Canceled itself; it must still take the
			// interrupt path instead of counting as a build failure.
			name: "cancelled build stage",
			err: &pipeline.StageError{
				Stage: pipeline.StageBuild,
				Err:   fmt.Errorf("%w: %v", pipeline.ErrBuildCancelled, context.Canceled),
			},
			want: 130,
		},
		{
			name: "interrupted before any stage",
			err:  context.Canceled,
			want: 130,
		},
		{
			name: "build timeout",
			err: &pipeline.StageError{
				Stage: pipeline.StageBuild,
				Err:   fmt.Errorf("%w: %v", pipeline.ErrBuildCancelled, context.DeadlineExceeded),
			},
			want: 130,
		},
		{
			name: "deterministic build failure",
			err: &pipeline.StageError{
				Stage: pipeline.StageBuild,
				Err:   &pipeline.BuildFailedError{ExitCode: 2},
			},
			want: 6,
		},
		{
			name: "configuration failure",
			err: &pipeline.StageError{
				Stage: pipeline.StageResolve,
				Err:   &pipeline.InvalidTargetError{Target: "nope"},
			},
			want: 2,
		},
		{
			name: "fetch failure",
			err: &pipeline.StageError{
				Stage: pipeline.StageFetch,
				Err:   &pipeline.NotFoundError{URL: "https://example.invalid", Status: 404},
			},
			want: 3,
		},
		{
			name: "foreign error",
			err:  fmt.Errorf("something else"),
			want: 1,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := report(logger, tc.err); got != tc.want {
				t.Fatalf("report() = %d, want %d", got, tc.want)
			}
		})
	}
}
