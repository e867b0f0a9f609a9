package log

import (
	"fmt"

	"go.uber.org/zap"
)

// toFields turns loosely typed logging arguments into zap fields. A zap.Field
// or a bare error stands on its own; everything else is read as key/value
// pairs and typed by zap.Any. A value with a non-string key, or a trailing
// value without a key, is kept under a generated key rather than dropped.
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		switch v := args[i].(type) {
		case zap.Field:
			fields = append(fields, v)
			i++
			continue
		case error:
			fields = append(fields, zap.Error(v))
			i++
			continue
		}

		if i+1 == len(args) {
			fields = append(fields, zap.Any(fmt.Sprintf("extra.%d", i), args[i]))
			break
		}

		key, val := args[i], args[i+1]
		if s, ok := key.(string); ok {
			fields = append(fields, zap.Any(s, val))
		} else {
			fields = append(fields, zap.Any(fmt.Sprintf("badkey.%d", i), []any{key, val}))
		}
		i += 2
	}
	return fields
}
