package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	TypeConsole = "CONSOLE"
	TypeJSON    = "JSON"
)

// Field represents a logging attribute.
type Field struct {
	Key   string
	Value any
}

// String creates a string Field.
func String(key string, value string) Field {
	return Field{Key: key, Value: value}
}

// Strings creates a []string Field.
func Strings(key string, value []string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an int Field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a bool Field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a time.Duration Field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// ErrorField creates an error Field using the key "error".
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// NormalizeType validates and normalizes a logging type string.
func NormalizeType(rawValue string) (string, error) {
	sanitized := strings.ToUpper(strings.TrimSpace(rawValue))
	if sanitized == "" {
		sanitized = TypeConsole
	}
	switch sanitized {
	case TypeConsole, TypeJSON:
		return sanitized, nil
	default:
		return "", fmt.Errorf("unsupported logging type %s", rawValue)
	}
}

// Service provides logging capabilities with console and JSON modes.
type Service struct {
	loggingType string
	verbose     bool
	logger      *zap.Logger
}

// NewService constructs a logging Service using the provided type.
// Debug entries are emitted only when verbose is set.
func NewService(loggingType string, verbose bool) (*Service, error) {
	normalized, err := NormalizeType(loggingType)
	if err != nil {
		return nil, err
	}
	minimumLevel := zapcore.InfoLevel
	if verbose {
		minimumLevel = zapcore.DebugLevel
	}
	logger, err := newZapLogger(normalized, minimumLevel)
	if err != nil {
		return nil, err
	}
	service, err := NewServiceWithLogger(normalized, logger)
	if err != nil {
		return nil, err
	}
	service.verbose = verbose
	return service, nil
}

// NewServiceWithLogger constructs a Service using an existing zap logger.
func NewServiceWithLogger(loggingType string, logger *zap.Logger) (*Service, error) {
	return &Service{loggingType: loggingType, logger: logger, verbose: logger.Core().Enabled(zapcore.DebugLevel)}, nil
}

// NewTestService returns a Service that discards every entry.
func NewTestService(loggingType string) *Service {
	return &Service{loggingType: loggingType, logger: zap.NewNop()}
}

// Type returns the current logging type.
func (service *Service) Type() string {
	return service.loggingType
}

// Verbose reports whether debug entries are emitted.
func (service *Service) Verbose() bool {
	return service.verbose
}

// Debug writes a diagnostic message visible only in verbose mode.
func (service *Service) Debug(message string, fields ...Field) {
	service.log(zapcore.DebugLevel, message, nil, fields...)
}

// Info writes an informational message.
func (service *Service) Info(message string, fields ...Field) {
	service.log(zapcore.InfoLevel, message, nil, fields...)
}

// Warn writes a warning, typically for a best-effort step that failed.
func (service *Service) Warn(message string, err error, fields ...Field) {
	service.log(zapcore.WarnLevel, message, err, fields...)
}

// Error writes an error message with the provided error.
func (service *Service) Error(message string, err error, fields ...Field) {
	service.log(zapcore.ErrorLevel, message, err, fields...)
}

// Sync flushes buffered log entries.
func (service *Service) Sync() error {
	return service.logger.Sync()
}

func (service *Service) log(level zapcore.Level, message string, err error, fields ...Field) {
	if err != nil {
		fields = append(fields, ErrorField(err))
	}
	if service.loggingType == TypeConsole {
		formatted := formatConsoleMessage(message, fields)
		if checked := service.logger.Check(level, formatted); checked != nil {
			checked.Write()
		}
		return
	}
	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		zapFields = append(zapFields, convertToZapField(field))
	}
	switch level {
	case zapcore.ErrorLevel:
		service.logger.Error(message, zapFields...)
	case zapcore.WarnLevel:
		service.logger.Warn(message, zapFields...)
	case zapcore.DebugLevel:
		service.logger.Debug(message, zapFields...)
	default:
		service.logger.Info(message, zapFields...)
	}
}

func convertToZapField(field Field) zap.Field {
	switch value := field.Value.(type) {
	case error:
		return zap.NamedError(field.Key, value)
	case []string:
		return zap.Strings(field.Key, value)
	case string:
		return zap.String(field.Key, value)
	case time.Duration:
		return zap.Duration(field.Key, value)
	case int:
		return zap.Int(field.Key, value)
	case bool:
		return zap.Bool(field.Key, value)
	default:
		return zap.Any(field.Key, value)
	}
}

func formatConsoleMessage(message string, fields []Field) string {
	if len(fields) == 0 {
		return message
	}
	var builder strings.Builder
	builder.WriteString(message)
	for _, field := range fields {
		builder.WriteString(" ")
		builder.WriteString(field.Key)
		builder.WriteString("=")
		builder.WriteString(formatConsoleValue(field.Value))
	}
	return builder.String()
}

func formatConsoleValue(value any) string {
	switch typed := value.(type) {
	case string:
		return fmt.Sprintf("\"%s\"", typed)
	case []string:
		return fmt.Sprintf("[%s]", strings.Join(typed, ","))
	case error:
		return fmt.Sprintf("\"%s\"", typed.Error())
	default:
		return fmt.Sprint(typed)
	}
}

func newZapLogger(loggingType string, minimumLevel zapcore.Level) (*zap.Logger, error) {
	switch loggingType {
	case TypeConsole:
		encoderConfig := zapcore.EncoderConfig{
			MessageKey:    "msg",
			LevelKey:      "",
			TimeKey:       "",
			NameKey:       "",
			CallerKey:     "",
			FunctionKey:   "",
			StacktraceKey: "",
			LineEnding:    zapcore.DefaultLineEnding,
		}
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stderr), minimumLevel)
		return zap.New(core), nil
	case TypeJSON:
		productionConfig := zap.NewProductionConfig()
		productionConfig.Level = zap.NewAtomicLevelAt(minimumLevel)
		return productionConfig.Build()
	default:
		return nil, fmt.Errorf("unsupported logging type %s", loggingType)
	}
}
