package log

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Log absolutely nothing
	LOGLEVEL_NONE int = iota
	// Log situations that are not expected to happen and
	// are difficult to handle (e.g. by closing the connection without further consideration)
	LOGLEVEL_ERRORS
	// Log non-critical situations that might happen, but shouldn't (e.g. a dropped invocation)
	LOGLEVEL_WARNINGS
	// Log situations that are expected, but important for the operation
	LOGLEVEL_INFO
	// Log everything
	LOGLEVEL_DEBUG
)

var zerologLevels = []zerolog.Level{zerolog.Disabled, zerolog.ErrorLevel, zerolog.WarnLevel, zerolog.InfoLevel, zerolog.DebugLevel}

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // "debug", "info", "warn", "error" or "disabled"; defaults to info
	Output  io.Writer // defaults to os.Stderr
	Service string    // attached to every entry; defaults to "clusterinvoke"
	Console bool      // human-readable output instead of JSON
}

var (
	mu       sync.RWMutex
	base     zerolog.Logger
	loglevel int
)

func init() {
	Configure(Config{})
}

// Configure (re)initialises the global logger. Safe to call several times,
// the last call wins.
func Configure(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			level = parsed
		}
	}

	writer := cfg.Output
	if writer == nil {
		writer = os.Stderr
	}
	if cfg.Console {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05.000"}
	}

	service := cfg.Service
	if service == "" {
		service = "clusterinvoke"
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
	loglevel = fromZerolog(level)
}

func fromZerolog(l zerolog.Level) int {
	switch {
	case l == zerolog.Disabled:
		return LOGLEVEL_NONE
	case l <= zerolog.DebugLevel:
		return LOGLEVEL_DEBUG
	case l == zerolog.InfoLevel:
		return LOGLEVEL_INFO
	case l == zerolog.WarnLevel:
		return LOGLEVEL_WARNINGS
	default:
		return LOGLEVEL_ERRORS
	}
}

// Set the global log level
func SetLoglevel(ll int) {
	if ll < LOGLEVEL_NONE {
		ll = LOGLEVEL_NONE
	} else if ll > LOGLEVEL_DEBUG {
		ll = LOGLEVEL_DEBUG
	}
	mu.Lock()
	defer mu.Unlock()
	loglevel = ll
	base = base.Level(zerologLevels[ll])
}

// Performance-enhancer: Prevent unnecessary log calls
func IsLoggingEnabled(ll int) bool {
	mu.RLock()
	defer mu.RUnlock()
	return loglevel >= ll
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	l := Base()
	return l.With().Str("component", component).Logger()
}

// CRPC_log logs a plain message at a LOGLEVEL_* level.
func CRPC_log(ll int, what ...interface{}) {
	if ll == LOGLEVEL_NONE || !IsLoggingEnabled(ll) {
		return
	}
	l := Base()
	l.WithLevel(zerologLevels[ll]).Msg(strings.TrimSuffix(fmt.Sprintln(what...), "\n"))
}

func mapToChar(i int) byte {
	i = i % (10 + 26 + 26)
	if i < 10 {
		return byte('0' + i)
	} else if i < 10+26 {
		return byte('A' + i - 10)
	} else if i < 10+26+26 {
		return byte('a' + i - 10 - 26)
	}
	return byte('_')
}

// Returns a short random alphanumeric string.
// This is used to assign special tokens to dispatches in order to track them across log lines.
func GetLogToken() string {
	str := make([]byte, 6)
	for i := range str {
		str[i] = mapToChar(rand.Int())
	}
	return string(str)
}
