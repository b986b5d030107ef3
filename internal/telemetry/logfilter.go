package telemetry

import (
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// LogFilter holds the parsed --log-filter directive: a default level plus
// per-component overrides, e.g. "info,workload=debug,logs=warn".
type LogFilter struct {
	Default    zerolog.Level
	Components map[string]zerolog.Level
}

// ParseLogFilter parses comma separated directives. A bare level sets the
// default, "component=level" sets an override. "off" disables output.
func ParseLogFilter(directive string) (LogFilter, error) {
	f := LogFilter{Default: zerolog.InfoLevel, Components: map[string]zerolog.Level{}}
	for _, part := range strings.Split(directive, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			component := strings.TrimSpace(part[:i])
			if component == "" {
				return LogFilter{}, errors.Newf("invalid log directive %q: empty component", part)
			}
			lvl, err := parseLevel(part[i+1:])
			if err != nil {
				return LogFilter{}, errors.Wrapf(err, "invalid log directive %q", part)
			}
			f.Components[component] = lvl
			continue
		}
		lvl, err := parseLevel(part)
		if err != nil {
			return LogFilter{}, errors.Wrapf(err, "invalid log directive %q", part)
		}
		f.Default = lvl
	}
	return f, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "off":
		return zerolog.Disabled, nil
	}
	return zerolog.NoLevel, errors.Newf("unknown level %q", s)
}

// Level returns the level that applies to component.
func (f LogFilter) Level(component string) zerolog.Level {
	if lvl, ok := f.Components[component]; ok {
		return lvl
	}
	return f.Default
}

// Logger derives the logger for component from base.
func (f LogFilter) Logger(base zerolog.Logger, component string) zerolog.Logger {
	return base.Level(f.Level(component)).With().Str("component", component).Logger()
}

// Minimum is the most verbose level any directive asks for.
func (f LogFilter) Minimum() zerolog.Level {
	min := f.Default
	for _, lvl := range f.Components {
		if lvl < min {
			min = lvl
		}
	}
	return min
}

// NewConsoleLogger builds the human readable stderr logger used by the CLI.
func NewConsoleLogger(out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
