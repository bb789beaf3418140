package record

import "fmt"

// Validator rejects malformed records without aborting the stream. A nil
// Validator accepts everything.
type Validator interface {
	Validate(rec *SourceRecord) error
}

// FieldValidatorConfig controls the stock validator. Zero values disable the
// corresponding check except MaxPayloadBytes, which defaults to 1MB to match
// the decompressor's line ceiling.
type FieldValidatorConfig struct {
	RequireID        bool
	RequireTimestamp bool
	// MinTimestampSec/MaxTimestampSec bound the plausible record window.
	// Records outside it are rejected as clock garbage.
	MinTimestampSec int64
	MaxTimestampSec int64
	MaxPayloadBytes int
}

// FieldValidator is the stock Validator: presence and sanity checks over the
// parsed fields, no schema awareness.
type FieldValidator struct {
	cfg FieldValidatorConfig
}

// NewFieldValidator creates the stock field validator.
func NewFieldValidator(cfg FieldValidatorConfig) *FieldValidator {
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	return &FieldValidator{cfg: cfg}
}

// Validate implements Validator.
func (v *FieldValidator) Validate(rec *SourceRecord) error {
	if rec == nil {
		return &ValidationError{Reason: "nil record"}
	}
	if v.cfg.RequireID && rec.Identifier.IsZero() {
		return &ValidationError{Field: "id", Reason: "missing identifier"}
	}
	if v.cfg.RequireTimestamp && rec.TimestampSec <= 0 {
		return &ValidationError{Field: "timestamp", Reason: "missing or non-positive timestamp"}
	}
	if rec.TimestampSec > 0 {
		if v.cfg.MinTimestampSec > 0 && rec.TimestampSec < v.cfg.MinTimestampSec {
			return &ValidationError{
				Field:  "timestamp",
				Reason: fmt.Sprintf("timestamp %d before minimum %d", rec.TimestampSec, v.cfg.MinTimestampSec),
			}
		}
		if v.cfg.MaxTimestampSec > 0 && rec.TimestampSec > v.cfg.MaxTimestampSec {
			return &ValidationError{
				Field:  "timestamp",
				Reason: fmt.Sprintf("timestamp %d after maximum %d", rec.TimestampSec, v.cfg.MaxTimestampSec),
			}
		}
	}
	if len(rec.Payload) > v.cfg.MaxPayloadBytes {
		return &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("payload %d bytes exceeds limit %d", len(rec.Payload), v.cfg.MaxPayloadBytes),
		}
	}
	return nil
}
