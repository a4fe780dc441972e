// Package logger предоставляет структурированное логирование (zerolog) с префиксом сервиса
// и неблокирующей записью, чтобы не тормозить обработчики соединений.
// Поддерживается логирование времени выполнения функций.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const asyncBufferSize = 8192

var (
	mu     sync.RWMutex
	base   zerolog.Logger
	once   sync.Once
	prefix string
)

func initBase() {
	w := diode.NewWriter(os.Stdout, asyncBufferSize, 10*time.Millisecond, func(missed int) {
		// Буфер полон — не блокируем, теряем лог
		fmt.Fprintf(os.Stderr, "logger: dropped %d messages\n", missed)
	})
	base = zerolog.New(w).Level(ParseLevel(os.Getenv("LOG_LEVEL"))).With().Timestamp().Logger()
}

func get() zerolog.Logger {
	once.Do(func() {
		mu.Lock()
		initBase()
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// ParseLevel переводит строку из конфигурации в уровень zerolog (по умолчанию info).
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel меняет уровень логирования (например из config.LogLevel).
func SetLevel(s string) {
	l := get()
	mu.Lock()
	base = l.Level(ParseLevel(s))
	mu.Unlock()
}

// SetOutput пишет логи синхронно в w (используется в тестах).
func SetOutput(w io.Writer) {
	l := get()
	mu.Lock()
	base = zerolog.New(w).Level(l.GetLevel()).With().Timestamp().Logger()
	if prefix != "" {
		base = base.With().Str("svc", prefix).Logger()
	}
	mu.Unlock()
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "chat").
func SetPrefix(p string) {
	l := get()
	mu.Lock()
	prefix = p
	base = l.With().Str("svc", p).Logger()
	mu.Unlock()
}

// With возвращает логгер компонента: logger.With("presence").Info().Int64("user_id", id).Msg("join").
func With(component string) zerolog.Logger {
	return get().With().Str("component", component).Logger()
}

// Event возвращает логгер компонента с correlation id одного события соединения.
func Event(component, correlationID string) zerolog.Logger {
	return get().With().Str("component", component).Str("cid", correlationID).Logger()
}

// Info пишет в лог на уровне info.
func Info(v ...any) {
	l := get()
	l.Info().Msg(fmt.Sprint(v...))
}

// Infof форматирует и пишет на уровне info.
func Infof(format string, v ...any) {
	l := get()
	l.Info().Msgf(format, v...)
}

// Debugf форматирует и пишет на уровне debug.
func Debugf(format string, v ...any) {
	l := get()
	l.Debug().Msgf(format, v...)
}

// Error пишет ошибку.
func Error(v ...any) {
	l := get()
	l.Error().Msg(fmt.Sprint(v...))
}

// Errorf форматирует ошибку.
func Errorf(format string, v ...any) {
	l := get()
	l.Error().Msgf(format, v...)
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := get()
	if l.GetLevel() <= zerolog.DebugLevel || elapsed >= 100*time.Millisecond {
		l.Info().Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Msg("timing")
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
