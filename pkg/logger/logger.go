// Package logger предоставляет структурированное логирование на базе zerolog.
// JSON в production, читаемый вывод в development. Сообщения логов — на русском.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// log — глобальный логгер процесса.
var log zerolog.Logger

// Config содержит настройки логгера.
type Config struct {
	// Level: "trace", "debug", "info", "warn", "error". По умолчанию "info".
	Level string

	// Pretty включает ConsoleWriter вместо JSON.
	Pretty bool

	// Service добавляется в каждую запись поля "service".
	Service string

	// Output — куда писать (по умолчанию os.Stdout).
	Output io.Writer
}

func init() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	Init(Config{
		Level:  level,
		Pretty: strings.EqualFold(os.Getenv("LOG_PRETTY"), "true"),
	})
}

// Init настраивает глобальный логгер. Вызывается в начале main.
func Init(cfg Config) {
	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)

	lc := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller()
	if cfg.Service != "" {
		lc = lc.Str("service", cfg.Service)
	}
	log = lc.Logger()

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug создает событие уровня debug.
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info создает событие уровня info.
// Пример: logger.Info().Str("donation_id", id).Msg("Пожертвование принято")
func Info() *zerolog.Event {
	return log.Info()
}

// Warn создает событие уровня warn.
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error создает событие уровня error.
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal пишет событие и завершает процесс с кодом 1 после Msg().
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// With возвращает контекст для логгера с дополнительными полями.
func With() zerolog.Context {
	return log.With()
}

// Logger возвращает глобальный логгер.
func Logger() zerolog.Logger {
	return log
}

// SetGlobalLogger подменяет глобальный логгер (тесты).
func SetGlobalLogger(l zerolog.Logger) {
	log = l
}
