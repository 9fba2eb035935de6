package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins delivery errors, emits a structured log entry, and
// returns a single aggregated error for the operation.
func AggregateErrors(operation string, errList []error, fields ...Field) error {
	filtered := errList[:0:0]
	messages := make([]string, 0, len(errList))
	for _, err := range errList {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
