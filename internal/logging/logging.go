package logging

import (
	"log"
	"os"
)

// Logger is a simple logger that writes to the console. Messages carry
// alternating key/value pairs after the message text.
type Logger struct {
	*log.Logger
}

// NewLogger creates a new Logger.
func NewLogger() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

func (l *Logger) write(level, msg string, args []interface{}) {
	if len(args) == 0 {
		l.Printf("%s: %s", level, msg)
		return
	}
	l.Printf("%s: %s %v", level, msg, args)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.write("INFO", msg, args)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.write("WARN", msg, args)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.write("ERROR", msg, args)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.write("DEBUG", msg, args)
}
