package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const mask = "[REDACTED]"

// Secret logs whether a credential is configured without its value.
func Secret(key string, set bool) zap.Field {
	if set {
		return zap.String(key, mask)
	}
	return zap.String(key, "")
}

// redactor hides sensitive keys entirely and masks pattern matches inside
// other string values. Reply text and patch excerpts end up in log fields,
// so a match only replaces the matching span.
type redactor struct {
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

func newRedactor(cfg RedactionConfig) (*redactor, error) {
	r := &redactor{keys: make(map[string]struct{}, len(cfg.Fields))}
	if !cfg.Enabled {
		return r, nil
	}
	for _, k := range cfg.Fields {
		r.keys[strings.ToLower(k)] = struct{}{}
	}
	for _, p := range cfg.Patterns {
		if len(p) > 200 {
			return nil, fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *redactor) empty() bool { return len(r.keys) == 0 && len(r.patterns) == 0 }

func (r *redactor) sensitive(key string) bool {
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

func (r *redactor) scrub(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, mask)
	}
	return s
}

func (r *redactor) field(f zapcore.Field) zapcore.Field {
	switch {
	case r.sensitive(f.Key):
		return zap.String(f.Key, mask)
	case f.Type == zapcore.StringType:
		f.String = r.scrub(f.String)
	case f.Type == zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			return zap.String(f.Key, r.scrub(err.Error()))
		}
	}
	return f
}

// RedactingEncoder applies redaction to entry fields and to fields added
// through With.
type RedactingEncoder struct {
	zapcore.Encoder
	r *redactor
}

// NewRedactingEncoder wraps base. It fails on an invalid pattern.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	r, err := newRedactor(cfg)
	if err != nil {
		return nil, err
	}
	return &RedactingEncoder{Encoder: base, r: r}, nil
}

// AddString masks sensitive keys and pattern matches.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.r.sensitive(key) {
		val = mask
	} else {
		val = e.r.scrub(val)
	}
	e.Encoder.AddString(key, val)
}

// AddReflected hides sensitive keys.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.r.sensitive(key) {
		e.Encoder.AddString(key, mask)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// Clone keeps the redaction rules.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), r: e.r}
}

// EncodeEntry redacts fields and the message before delegating.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if e.r.empty() {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	ent.Message = e.r.scrub(ent.Message)
	clean := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		clean[i] = e.r.field(f)
	}
	return e.Encoder.EncodeEntry(ent, clean)
}
