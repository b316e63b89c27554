package session

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/modelcloud/trainagent/pkg/graph"
)

// ErrConfig marks session configuration errors: unrecognized config entries,
// or provider options supplied both inline and as a parallel list.
var ErrConfig = errors.New("invalid session configuration")

// Recognized config entry keys. Unrecognized keys are rejected at
// construction time.
const (
	// ConfigLoadModelFormat overrides extension-based format inference.
	// Values: "json", "yaml".
	ConfigLoadModelFormat = "session.load_model_format"

	// ConfigLogVerbosity sets the default klog verbosity for runs on this
	// session. Per-call RunOptions take precedence.
	ConfigLogVerbosity = "session.log_verbosity"
)

// Options configures session construction.
type Options struct {
	// ConfigEntries is the string key/value configuration table.
	ConfigEntries map[string]string
}

// AddConfigEntry sets a config entry, allocating the table if needed.
func (o *Options) AddConfigEntry(key, value string) {
	if o.ConfigEntries == nil {
		o.ConfigEntries = make(map[string]string)
	}
	o.ConfigEntries[key] = value
}

type resolvedOptions struct {
	format       graph.Format
	logVerbosity int
}

func resolveOptions(opts *Options) (resolvedOptions, error) {
	resolved := resolvedOptions{}
	if opts == nil {
		return resolved, nil
	}
	for key, value := range opts.ConfigEntries {
		switch key {
		case ConfigLoadModelFormat:
			format, err := graph.ParseFormat(value)
			if err != nil {
				return resolved, fmt.Errorf("config entry %q: %v: %w", key, err, ErrConfig)
			}
			resolved.format = format
		case ConfigLogVerbosity:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return resolved, fmt.Errorf("config entry %q: invalid verbosity %q: %w", key, value, ErrConfig)
			}
			resolved.logVerbosity = n
		default:
			return resolved, fmt.Errorf("unrecognized config entry %q: %w", key, ErrConfig)
		}
	}
	return resolved, nil
}

// ProviderSpec selects an execution provider by name, optionally with
// provider-specific options. Inline options are mutually exclusive with the
// parallel providerOptions list accepted by New.
type ProviderSpec struct {
	Name    string
	Options map[string]string
}
