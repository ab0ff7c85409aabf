package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

func TestBuildRequiresTarget(t *testing.T) {
	t.Parallel()

	if _, err := Build(context.Background(), Options{}, nil); err == nil {
		t.Fatal("Build without target must fail")
	}
}

func TestBuildRejectsMalformedTarget(t *testing.T) {
	t.Parallel()

	_, err := Build(context.Background(), Options{
		Target:   "not-a-target",
		CacheDir: t.TempDir(),
	}, nil)

	var invalid *pipeline.InvalidTargetError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want InvalidTargetError", err)
	}
}

func TestBuildRejectsMalformedDefaultsBeforeFetching(t *testing.T) {
	t.Parallel()

	defaults := filepath.Join(t.TempDir(), "image.json")
	if err := os.WriteFile(defaults, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Build(context.Background(), Options{
		Target:       "rockchip/armv8",
		DefaultsFile: defaults,
		CacheDir:     t.TempDir(),
	}, nil)

	var malformed *pipeline.InvalidDefaultsDocumentError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want InvalidDefaultsDocumentError", err)
	}
}
