package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Similarity search logs every scored
// candidate at this level.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses REVIEWMEMORY_LOGGING_LEVEL values. Case and
// surrounding space are ignored; "trace" maps to TraceLevel.
func LevelFromString(level string) (zapcore.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
