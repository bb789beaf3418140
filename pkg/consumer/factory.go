package consumer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tidemark-io/tideline/pkg/pipeline"
)

// Sink is a chain tail. Sinks that buffer also implement Close() error and
// are flushed by the runner after the job finishes.
type Sink = pipeline.Processor

// Config selects and configures one sink.
type Config struct {
	Type   string         `yaml:"type" json:"type" mapstructure:"type"`
	Config map[string]any `yaml:"config" json:"config" mapstructure:"config"`
}

// Deps carries what sink constructors need beyond their config map.
type Deps struct {
	Logger *slog.Logger
	// Extract backs every "extraction" sink. Required only when one is
	// configured.
	Extract ExtractFunc
}

// Types lists the sink types New recognizes.
func Types() []string {
	return []string{"debug_logger", "extraction", "ndjson_writer"}
}

// ValidateConfig checks a sink config without constructing the sink, so
// dry runs leave no output files behind. Construction can still fail on
// environment problems like unwritable paths.
func ValidateConfig(cfg Config) error {
	switch cfg.Type {
	case "debug_logger", "extraction":
		return nil
	case "ndjson_writer":
		if path, _ := cfg.Config["path"].(string); path == "" {
			return fmt.Errorf("ndjson writer: path is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown sink type: %s", cfg.Type)
	}
}

// New builds a sink from its config.
func New(cfg Config, deps Deps) (Sink, error) {
	switch cfg.Type {
	case "debug_logger":
		return NewDebugLogger(cfg.Config, deps.Logger)

	case "extraction":
		fcfg := ExtractionForwarderConfig{}
		if n, ok := asInt(cfg.Config["batchSize"]); ok {
			fcfg.BatchSize = n
		}
		if d, ok := asDuration(cfg.Config["flushInterval"]); ok {
			fcfg.FlushInterval = d
		}
		if deps.Extract == nil {
			return nil, fmt.Errorf("extraction sink requires an extract function")
		}
		return NewExtractionForwarder(fcfg, deps.Extract, deps.Logger)

	case "ndjson_writer":
		return NewNDJSONWriter(cfg.Config, deps.Logger)

	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Type)
	}
}

// asInt reads an integer out of a decoded config value. YAML hands ints,
// JSON hands float64s.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// asDuration reads a duration: either a Go duration string ("30s") or a
// number of seconds.
func asDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case time.Duration:
		return d, true
	default:
		if n, ok := asInt(v); ok {
			return time.Duration(n) * time.Second, true
		}
		return 0, false
	}
}
