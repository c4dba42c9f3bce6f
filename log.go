package ubuf

import (
	"fmt"
	stdlog "log"
	"os"

	"github.com/go-log/log"
)

var stderrLogger = stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lshortfile)

// SetLogger sets the logger used by the package.
func SetLogger(logger log.Logger) {
	log.DefaultLogger = logger
}

// LogLogger uses the standard log package as the logger.
// Output goes to stderr, stdout is reserved for received data.
type LogLogger struct {
}

// Log uses the standard log library log.Output
func (l *LogLogger) Log(v ...interface{}) {
	stderrLogger.Output(3, fmt.Sprintln(v...))
}

// Logf uses the standard log library log.Output
func (l *LogLogger) Logf(format string, v ...interface{}) {
	stderrLogger.Output(3, fmt.Sprintf(format, v...))
}

// NopLogger is a dummy logger that discards the log outputs
type NopLogger struct {
}

// Log does nothing
func (l *NopLogger) Log(v ...interface{}) {
}

// Logf does nothing
func (l *NopLogger) Logf(format string, v ...interface{}) {
}
