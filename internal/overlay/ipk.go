package overlay

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

// PackageMeta is the control metadata read from one installable package.
type PackageMeta struct {
	Name         string
	Version      string
	Architecture string
	// Control is the full control stanza, used verbatim in the feed index.
	Control string
}

// ReadPackageMeta parses an ipk file: an outer gzipped tar holding
// control.tar.gz, whose "control" member carries the package fields. Any
// structural problem is an InvalidPackageFileError for this file.
func ReadPackageMeta(path string) (PackageMeta, error) {
	file, err := os.Open(path)
	if err != nil {
		return PackageMeta{}, &pipeline.InvalidPackageFileError{File: path, Err: err}
	}
	defer file.Close()

	control, err := extractControl(file)
	if err != nil {
		return PackageMeta{}, &pipeline.InvalidPackageFileError{File: path, Err: err}
	}

	meta := PackageMeta{Control: strings.TrimRight(control, "\n")}
	for _, line := range strings.Split(control, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Package":
			meta.Name = value
		case "Version":
			meta.Version = value
		case "Architecture":
			meta.Architecture = value
		}
	}
	if meta.Name == "" || meta.Version == "" {
		return PackageMeta{}, &pipeline.InvalidPackageFileError{
			File: path,
			Err:  errors.New("control file lacks Package or Version"),
		}
	}
	return meta, nil
}

func extractControl(outer io.Reader) (string, error) {
	gz, err := gzip.NewReader(outer)
	if err != nil {
		return "", fmt.Errorf("outer gzip: %w", err)
	}
	defer gz.Close()

	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return "", errors.New("control.tar.gz not found")
		}
		if err != nil {
			return "", fmt.Errorf("outer tar: %w", err)
		}
		if baseName(header.Name) == "control.tar.gz" {
			return readControlSegment(reader)
		}
	}
}

func readControlSegment(segment io.Reader) (string, error) {
	gz, err := gzip.NewReader(segment)
	if err != nil {
		return "", fmt.Errorf("control gzip: %w", err)
	}
	defer gz.Close()

	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return "", errors.New("control file not found")
		}
		if err != nil {
			return "", fmt.Errorf("control tar: %w", err)
		}
		if baseName(header.Name) == "control" {
			data, err := io.ReadAll(reader)
			if err != nil {
				return "", err
			}
			return string(data), nil
		}
	}
}

func baseName(name string) string {
	name = strings.TrimPrefix(name, "./")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
