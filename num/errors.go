package num

import "fmt"

// ShapeError reports an input whose dimensions do not match what an operation expects.
type ShapeError struct {
	Op   string
	Dims []int
	Msg  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: invalid shape %v: %s", e.Op, e.Dims, e.Msg)
}

// NewShapeError builds a ShapeError with a formatted message.
func NewShapeError(op string, dims []int, format string, args ...interface{}) error {
	return &ShapeError{Op: op, Dims: append([]int{}, dims...), Msg: fmt.Sprintf(format, args...)}
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

// NewConfigError builds a ConfigError with a formatted message.
func NewConfigError(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
