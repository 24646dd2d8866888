// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Defaults holds supervisor-level settings that are not part of the
// cohort's own command line: the restart-token budget, check cadence, and
// status file path. These may come from an optional YAML defaults file
// and from ORDERLY_* environment variables, layered with env overriding
// YAML overriding the built-in default; an explicit CLI flag for the same
// setting always wins over all three (see SPEC_FULL.md §6.1).
type Defaults struct {
	MaxRestartTokens       int           `koanf:"max_restart_tokens"`
	RestartTokensPerSecond float64       `koanf:"restart_tokens_per_second"`
	CheckDelay             time.Duration `koanf:"check_delay"`
	StatusFile             string        `koanf:"status_file"`
	LogFormat              string        `koanf:"log_format"`
}

// DefaultDefaults returns the built-in defaults used when no file or
// environment variable overrides a setting.
func DefaultDefaults() Defaults {
	return Defaults{
		MaxRestartTokens:       DefaultMaxRestartTokens,
		RestartTokensPerSecond: DefaultRestartTokensPerSecond,
		CheckDelay:             DefaultCheckDelay,
		LogFormat:              "text",
	}
}

// DefaultsLoader loads Defaults from an optional YAML file layered with
// ORDERLY_* environment variables, using koanf the way
// internal/config.KoanfConfig does in the teacher repo.
type DefaultsLoader struct {
	k        *koanf.Koanf
	mu       sync.RWMutex
	filePath string
}

// NewDefaultsLoader creates a loader. filePath may be empty, in which case
// only the built-in defaults and environment variables apply.
func NewDefaultsLoader(filePath string) (*DefaultsLoader, error) {
	dl := &DefaultsLoader{
		k:        koanf.New("."),
		filePath: filePath,
	}
	if err := dl.reload(); err != nil {
		return nil, err
	}
	return dl, nil
}

// Load unmarshals the current layered configuration, seeded with
// DefaultDefaults() so unset keys keep their built-in value.
func (dl *DefaultsLoader) Load() (Defaults, error) {
	d := DefaultDefaults()

	dl.mu.RLock()
	k := dl.k
	dl.mu.RUnlock()

	if err := k.Unmarshal("", &d); err != nil {
		return Defaults{}, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	return d, nil
}

// Reload re-reads the YAML file (if any) and environment variables.
func (dl *DefaultsLoader) Reload() error {
	return dl.reload()
}

func (dl *DefaultsLoader) reload() error {
	newK := koanf.New(".")

	if dl.filePath != "" {
		if err := newK.Load(file.Provider(dl.filePath), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load defaults file: %w", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: "ORDERLY_",
		TransformFunc: func(k, v string) (string, any) {
			k = lowerUnderscoreToDotted(strings.TrimPrefix(k, "ORDERLY_"))
			return k, v
		},
	})
	if err := newK.Load(envProvider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	dl.mu.Lock()
	dl.k = newK
	dl.mu.Unlock()

	return nil
}

// lowerUnderscoreToDotted lowercases a key; Defaults has no nested
// structure so, unlike the teacher's device-config env mapping, no
// prefix-splitting table is needed here.
func lowerUnderscoreToDotted(k string) string {
	out := make([]byte, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Watch starts watching the defaults file for changes, reloading and
// invoking callback on every change. It blocks until ctx is cancelled.
//
// Known limitation, carried from the teacher's KoanfConfig.Watch: koanf's
// file.Provider spawns an internal fsnotify goroutine that has no Stop()
// method, so it outlives ctx cancellation; it is reclaimed at process
// exit. Fine for a single long-lived orderly invocation.
func (dl *DefaultsLoader) Watch(ctx context.Context, callback func(err error)) error {
	if dl.filePath == "" {
		return fmt.Errorf("cannot watch: no defaults file configured")
	}

	fp := file.Provider(dl.filePath)
	if err := fp.Watch(func(event interface{}, err error) {
		if err != nil {
			callback(fmt.Errorf("defaults file watch error: %w", err))
			return
		}
		if err := dl.reload(); err != nil {
			callback(fmt.Errorf("defaults reload failed: %w", err))
			return
		}
		callback(nil)
	}); err != nil {
		return fmt.Errorf("failed to start watching defaults file: %w", err)
	}

	<-ctx.Done()
	return nil
}
