// Package discover finds compiled pipeline artifacts in a build output
// directory.
package discover

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/jmorganca/hlops/types/errtypes"
)

var wrapperRe = regexp.MustCompile(`^[^.]+\.pytorch\.h$`)

const wrapperSuffix = ".pytorch.h"

// Artifact is one compiled pipeline: its object library, raw header and
// tensor wrapper header.
type Artifact struct {
	Name              string
	ObjectPath        string
	HeaderPath        string
	WrapperHeaderPath string
}

type options struct {
	sorted bool
}

type Option func(*options)

// WithSorted orders artifacts by name instead of directory listing order.
func WithSorted() Option {
	return func(o *options) {
		o.sorted = true
	}
}

// Artifacts returns one record per wrapper header in dir. Only names of the
// form <stem>.pytorch.h count; backups and other suffixes are ignored. The
// object and raw header paths are derived from the stem.
func Artifacts(dir string, opts ...Option) ([]Artifact, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &errtypes.ArtifactDiscoveryError{Dir: dir, Err: err}
	}

	var artifacts []Artifact
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || !wrapperRe.MatchString(name) {
			continue
		}

		base, _, _ := strings.Cut(name, ".")
		artifacts = append(artifacts, Artifact{
			Name:              strings.TrimSuffix(name, wrapperSuffix),
			ObjectPath:        filepath.Join(dir, base+".a"),
			HeaderPath:        filepath.Join(dir, base+".h"),
			WrapperHeaderPath: filepath.Join(dir, name),
		})
	}

	if o.sorted {
		slices.SortFunc(artifacts, func(a, b Artifact) int {
			return strings.Compare(a.Name, b.Name)
		})
	}

	slog.Debug("discovered artifacts", "dir", dir, "count", len(artifacts))
	return artifacts, nil
}

// Require is Artifacts that also fails when nothing was found or when an
// artifact's object library is missing.
func Require(dir string, opts ...Option) ([]Artifact, error) {
	artifacts, err := Artifacts(dir, opts...)
	if err != nil {
		return nil, err
	}

	if len(artifacts) == 0 {
		return nil, &errtypes.ArtifactDiscoveryError{Dir: dir, Err: errtypes.ErrNoArtifacts}
	}

	for _, a := range artifacts {
		if _, err := os.Stat(a.ObjectPath); err != nil {
			return nil, &errtypes.ArtifactDiscoveryError{Dir: dir, Err: fmt.Errorf("%s: %w", a.Name, err)}
		}
	}

	return artifacts, nil
}

// Headers returns the raw header paths of artifacts in order.
func Headers(artifacts []Artifact) []string {
	headers := make([]string, len(artifacts))
	for i, a := range artifacts {
		headers[i] = a.HeaderPath
	}
	return headers
}

// Objects returns the object library paths of artifacts in order.
func Objects(artifacts []Artifact) []string {
	objects := make([]string, len(artifacts))
	for i, a := range artifacts {
		objects[i] = a.ObjectPath
	}
	return objects
}
