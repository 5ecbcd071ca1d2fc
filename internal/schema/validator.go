package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// identPattern defines the valid format for source identifiers.
// Lowercase, starts with a letter, dots and underscores as separators.
// Examples: "fs_watcher", "auditor.ssh", "hostguard.alerts"
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Rejection carries the reason an event was refused at the boundary.
// The raw payload itself is never retained past the quarantine hash.
type Rejection struct {
	Code    string   `json:"code"`
	Reasons []string `json:"reasons"`
	RawHash string   `json:"raw_hash"`
}

// Rejection codes.
const (
	RejectMalformed     = "malformed"
	RejectOversize      = "oversize"
	RejectEnvelope      = "envelope_invalid"
	RejectUnknownType   = "unknown_event_type"
	RejectPayload       = "payload_invalid"
	RejectTimestampSkew = "timestamp_skew"
)

func (r *Rejection) Error() string {
	return fmt.Sprintf("event rejected (%s): %s", r.Code, strings.Join(r.Reasons, "; "))
}

func reject(raw []byte, code string, reasons ...string) *Rejection {
	sum := sha256.Sum256(raw)
	return &Rejection{
		Code:    code,
		Reasons: reasons,
		RawHash: hex.EncodeToString(sum[:]),
	}
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	// MaxPast and MaxFuture bound the accepted skew between an event's
	// timestamp and the bus-observed arrival time.
	MaxPast    time.Duration
	MaxFuture  time.Duration
	MaxRawSize int
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxPast:    10 * time.Minute,
		MaxFuture:  2 * time.Minute,
		MaxRawSize: 128 * 1024,
	}
}

// Validator checks raw producer input against the envelope schema and the
// per-type payload sub-schemas. It has no side effects; quarantine handling
// belongs to the caller.
type Validator struct {
	validate *validator.Validate
	cfg      ValidatorConfig
	now      func() time.Time
}

// NewValidator creates a Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a Validator with the given configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate: v,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the arrival-time clock. Used in tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// ValidateRaw decodes and validates a raw producer payload. On success the
// returned envelope has EventID and Sequence zeroed regardless of producer
// input; the bus is the sole writer of those fields.
func (v *Validator) ValidateRaw(raw []byte) (*EventEnvelope, *Rejection) {
	if len(raw) > v.cfg.MaxRawSize {
		return nil, reject(raw, RejectOversize,
			fmt.Sprintf("payload %d bytes exceeds limit %d", len(raw), v.cfg.MaxRawSize))
	}

	var env EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, reject(raw, RejectMalformed, err.Error())
	}

	env.EventID = [16]byte{}
	env.Sequence = 0
	env.SchemaVersion = SchemaVersionCurrent

	if rej := v.Validate(&env, raw); rej != nil {
		return nil, rej
	}
	return &env, nil
}

// Validate checks a decoded envelope. raw is used only for the quarantine
// hash on rejection.
func (v *Validator) Validate(env *EventEnvelope, raw []byte) *Rejection {
	if err := v.validate.Struct(env); err != nil {
		return reject(raw, RejectEnvelope, err.Error())
	}

	if !env.Severity.IsValid() {
		return reject(raw, RejectEnvelope,
			fmt.Sprintf("severity %q not in closed set", env.Severity))
	}

	spec, ok := PayloadSpec(env.EventType)
	if !ok {
		return reject(raw, RejectUnknownType,
			fmt.Sprintf("event_type %q not registered in schema version %s",
				env.EventType, SchemaVersionCurrent))
	}

	if reasons := checkPayload(env.Payload, spec); len(reasons) > 0 {
		return reject(raw, RejectPayload, reasons...)
	}

	now := v.now()
	if env.Timestamp.Before(now.Add(-v.cfg.MaxPast)) {
		return reject(raw, RejectTimestampSkew,
			fmt.Sprintf("timestamp %s older than allowed skew %s", env.Timestamp.Format(time.RFC3339Nano), v.cfg.MaxPast))
	}
	if env.Timestamp.After(now.Add(v.cfg.MaxFuture)) {
		return reject(raw, RejectTimestampSkew,
			fmt.Sprintf("timestamp %s beyond future skew %s", env.Timestamp.Format(time.RFC3339Nano), v.cfg.MaxFuture))
	}

	return nil
}

func checkPayload(payload map[string]any, spec []FieldSpec) []string {
	var reasons []string
	for _, f := range spec {
		val, present := payload[f.Name]
		if !present {
			if f.Required {
				reasons = append(reasons, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if reason := checkField(f, val); reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return reasons
}

func checkField(f FieldSpec, val any) string {
	switch f.Kind {
	case KindString:
		s, ok := val.(string)
		if !ok {
			return fmt.Sprintf("field %q must be a string", f.Name)
		}
		limit := f.MaxLen
		if limit == 0 {
			limit = DefaultMaxFieldLen
		}
		if len(s) > limit {
			return fmt.Sprintf("field %q exceeds %d bytes", f.Name, limit)
		}
		if !cleanString(s) {
			return fmt.Sprintf("field %q contains control characters or invalid UTF-8", f.Name)
		}
	case KindInt:
		switch n := val.(type) {
		case float64:
			if n != float64(int64(n)) {
				return fmt.Sprintf("field %q must be an integer", f.Name)
			}
		case int, int64:
		default:
			return fmt.Sprintf("field %q must be an integer", f.Name)
		}
	case KindFloat:
		switch val.(type) {
		case float64, int, int64:
		default:
			return fmt.Sprintf("field %q must be a number", f.Name)
		}
	case KindBool:
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean", f.Name)
		}
	case KindStrings:
		items, ok := val.([]any)
		if !ok {
			if _, isTyped := val.([]string); isTyped {
				return ""
			}
			return fmt.Sprintf("field %q must be a list of strings", f.Name)
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return fmt.Sprintf("field %q must contain only strings", f.Name)
			}
			if len(s) > DefaultMaxFieldLen || !cleanString(s) {
				return fmt.Sprintf("field %q contains an invalid entry", f.Name)
			}
		}
	}
	return ""
}

// cleanString rejects control characters so hostile payloads cannot smuggle
// escape sequences into the log or operator surfaces. Tabs are allowed for
// argv-style fields.
func cleanString(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// ValidIdent checks if a source identifier matches the required format.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}
