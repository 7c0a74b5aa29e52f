package logger

import "time"

// Level is a log level.
type Level int

const (
	// Debug level.
	Debug Level = iota
	// Info level.
	Info
	// Warn level.
	Warn
	// Error level.
	Error
)

// Destination is a log destination.
type Destination int

const (
	// DestinationStdout writes logs to the standard output.
	DestinationStdout Destination = iota
	// DestinationFile writes logs to a file.
	DestinationFile
	// DestinationSyslog writes logs to the system logger.
	DestinationSyslog
)

// destination is implemented by every log destination.
type destination interface {
	log(t time.Time, level Level, format string, args ...any)
	close()
}

// Writer is implemented by anything that can receive log entries.
type Writer interface {
	Log(level Level, format string, args ...interface{})
}
