// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadCohortFile reads and parses a YAML cohort file, as produced by
// `orderly wizard` or hand-written by an operator who prefers a file over
// repeating `-- <service-spec> --` groups on the command line.
func LoadCohortFile(path string) (*Cohort, error) {
	// #nosec G304 - path comes from an operator-supplied CLI flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cohort file: %w", err)
	}

	cohort := DefaultCohort()
	if err := yaml.Unmarshal(data, cohort); err != nil {
		return nil, fmt.Errorf("failed to parse cohort YAML: %w", err)
	}

	if err := cohort.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cohort file: %w", err)
	}

	return cohort, nil
}

// atomicFile abstracts the handful of *os.File operations Save needs, so
// tests can substitute a fake without touching the filesystem.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the cohort to path as YAML, atomically: write to a temp
// file in the same directory, fsync, chmod, then rename over the target.
// A crash mid-write leaves either the old file or the new one, never a
// partial file.
func (c *Cohort) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Cohort) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal cohort: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".cohort.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp cohort file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp cohort file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp cohort file: %w", err)
	}
	// #nosec G302 - cohort file may embed operator commands, owner+group only
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set cohort file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp cohort file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp cohort file: %w", err)
	}

	success = true
	return nil
}
