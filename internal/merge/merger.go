// Package merge folds the optional defaults document into the explicit
// build request, producing the final build parameters.
package merge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

// Merger implements pipeline.ConfigMerger. The defaults document is JSON
// or YAML, chosen by extension. Explicit request values always win over
// document values; package expressions concatenate document-first so
// explicit tokens take later positions and win ties.
type Merger struct {
	Logger *slog.Logger
}

var _ pipeline.ConfigMerger = (*Merger)(nil)

// Recognized scalar keys. "target" and "version" may appear but must
// agree with the request; the document never re-targets a build.
const (
	keyProfile  = "profile"
	keyPackages = "packages"
	keyTarget   = "target"
	keyVersion  = "version"
)

// Merge builds the final parameters. A missing document means the request
// passes through unchanged.
func (m *Merger) Merge(request pipeline.BuildRequest) (pipeline.BuildParameters, error) {
	doc, err := m.loadDocument(request.DefaultsFile)
	if err != nil {
		return pipeline.BuildParameters{}, err
	}

	params := pipeline.BuildParameters{
		Profile:   request.Profile,
		Variables: map[string]string{},
	}

	// Without a document there is nothing to fold in; the explicit
	// package tokens pass through verbatim, repeats included.
	if doc == nil {
		params.Packages = append([]string(nil), request.Packages...)
		return params, nil
	}

	var defaultTokens []string
	for key, value := range doc {
		switch key {
		case keyTarget:
			if s, _ := value.(string); s != request.Target {
				return pipeline.BuildParameters{}, &pipeline.ConflictingDefaultsError{
					Key:           keyTarget,
					DocumentValue: fmt.Sprint(value),
					RequestValue:  request.Target,
				}
			}
		case keyVersion:
			if s, _ := value.(string); s != request.Version {
				return pipeline.BuildParameters{}, &pipeline.ConflictingDefaultsError{
					Key:           keyVersion,
					DocumentValue: fmt.Sprint(value),
					RequestValue:  request.Version,
				}
			}
		case keyProfile:
			s, err := scalarString(request.DefaultsFile, key, value)
			if err != nil {
				return pipeline.BuildParameters{}, err
			}
			if params.Profile == "" {
				params.Profile = s
			}
		case keyPackages:
			s, err := scalarString(request.DefaultsFile, key, value)
			if err != nil {
				return pipeline.BuildParameters{}, err
			}
			defaultTokens = strings.Fields(s)
		default:
			s, err := scalarString(request.DefaultsFile, key, value)
			if err != nil {
				return pipeline.BuildParameters{}, err
			}
			params.Variables[key] = s
		}
	}

	concatenated := append(append([]string(nil), defaultTokens...), request.Packages...)
	params.Packages = ResolveExpression(concatenated)
	return params, nil
}

// loadDocument reads and parses the defaults document. Absent files yield
// an empty document.
func (m *Merger) loadDocument(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger().Debug("defaults document absent", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read defaults document: %w", err)
	}

	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &pipeline.InvalidDefaultsDocumentError{Path: path, Err: err}
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &pipeline.InvalidDefaultsDocumentError{Path: path, Err: err}
		}
	}
	m.logger().Info("defaults document loaded", "path", path, "keys", len(doc))
	return doc, nil
}

// ResolveExpression reduces an ordered add/remove token sequence so the
// last occurrence of each package name wins. Surviving tokens keep the
// order in which their names first appeared.
func ResolveExpression(tokens []string) []string {
	final := map[string]string{}
	var order []string
	for _, token := range tokens {
		name := strings.TrimPrefix(token, "-")
		if name == "" {
			continue
		}
		if _, seen := final[name]; !seen {
			order = append(order, name)
		}
		final[name] = token
	}

	resolved := make([]string, 0, len(order))
	for _, name := range order {
		resolved = append(resolved, final[name])
	}
	return resolved
}

func scalarString(path, key string, value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", &pipeline.InvalidDefaultsDocumentError{
			Path: path,
			Err:  fmt.Errorf("key %q has non-scalar value", key),
		}
	}
}

func (m *Merger) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
