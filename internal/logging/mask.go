package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Redacted replaces sensitive values.
const Redacted = "*****"

type fieldPattern struct {
	name   string
	plain  *regexp.Regexp
	quoted *regexp.Regexp
}

// Masker hides values of sensitive fields in log text.
type Masker struct {
	patterns []fieldPattern
	keys     map[string]struct{}
}

// NewMasker compiles patterns for each field name. Blank names are skipped.
func NewMasker(fields []string) *Masker {
	m := &Masker{keys: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		q := regexp.QuoteMeta(f)
		m.patterns = append(m.patterns, fieldPattern{
			name:   f,
			plain:  regexp.MustCompile(q + `[=:]\s*([^\s,"')]+)`),
			quoted: regexp.MustCompile(`["']?` + q + `["']?\s*[=:]\s*["']([^"']+)["']`),
		})
		m.keys[strings.ToLower(f)] = struct{}{}
	}
	return m
}

// Mask rewrites field=value and field: value to field=*****, and quoted
// "field": "value" pairs to "field": "*****".
func (m *Masker) Mask(msg string) string {
	if m == nil || msg == "" || len(m.patterns) == 0 {
		return msg
	}
	for _, p := range m.patterns {
		msg = p.plain.ReplaceAllLiteralString(msg, p.name+"="+Redacted)
		msg = p.quoted.ReplaceAllLiteralString(msg, `"`+p.name+`": "`+Redacted+`"`)
	}
	return msg
}

// IsSensitive reports whether a structured field key names a secret.
func (m *Masker) IsSensitive(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.keys[strings.ToLower(key)]
	return ok
}

// Fields returns masked copies of structured fields.
func (m *Masker) Fields(fields []zapcore.Field) []zapcore.Field {
	if m == nil || len(fields) == 0 {
		return fields
	}
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = m.field(f)
	}
	return out
}

func (m *Masker) field(f zapcore.Field) zapcore.Field {
	if m.IsSensitive(f.Key) {
		return zap.String(f.Key, Redacted)
	}
	switch f.Type {
	case zapcore.StringType:
		f.String = m.Mask(f.String)
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			return zap.String(f.Key, m.Mask(err.Error()))
		}
	case zapcore.StringerType:
		if s, ok := f.Interface.(fmt.Stringer); ok && s != nil {
			return zap.String(f.Key, m.Mask(s.String()))
		}
	}
	return f
}

// maskingCore applies a Masker to every entry before it reaches the wrapped
// core.
type maskingCore struct {
	zapcore.Core
	masker *Masker
}

func newMaskingCore(core zapcore.Core, masker *Masker) zapcore.Core {
	return &maskingCore{Core: core, masker: masker}
}

func (c *maskingCore) With(fields []zapcore.Field) zapcore.Core {
	return &maskingCore{Core: c.Core.With(c.masker.Fields(fields)), masker: c.masker}
}

func (c *maskingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *maskingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.masker.Mask(ent.Message)
	return c.Core.Write(ent, c.masker.Fields(fields))
}
