package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var enabled = false
var session = false
var wire = false
var fault = false
var catalog = false
var migrate = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return enabled
}

// Session returns true if the session package should log.
func Session() bool {
	return session
}

// SessionLogger returns a logger for the session package. Errors are
// always reported, the flag only controls debug output.
func SessionLogger() Logger {
	return makeFlaggableLogger(session, Fields{"layer": "session"})
}

// Wire returns true if every frame exchanged with the peer should be logged.
func Wire() bool {
	return wire
}

// WireLogger returns a configured logger for the wire protocol.
func WireLogger() Logger {
	return makeFlaggableLogger(wire, Fields{"layer": "wire"})
}

// Fault returns true if fault resolution should be logged.
func Fault() bool {
	return fault
}

// FaultLogger returns a logger for the fault interceptor.
func FaultLogger() Logger {
	return makeFlaggableLogger(fault, Fields{"layer": "fault"})
}

// Catalog returns true if region catalog changes should be logged.
func Catalog() bool {
	return catalog
}

// CatalogLogger returns a logger for the region catalog.
func CatalogLogger() Logger {
	return makeFlaggableLogger(catalog, Fields{"layer": "catalog"})
}

// Migrate returns true if the migration controller should log.
func Migrate() bool {
	return migrate
}

// MigrateLogger returns a logger for the migration controller.
func MigrateLogger() Logger {
	return makeFlaggableLogger(migrate, Fields{"layer": "migrate"})
}

// WriteError writes an error message to the log, if logging is enabled,
// and to stderr otherwise.
func WriteError(msg string) {
	if enabled {
		makeLogger(logrus.ErrorLevel, Fields{}).Error(msg)
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the log flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor
// or file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "hdsm-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "session"
	}
	enabled = true
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "session":
			session = true
		case "wire":
			wire = true
		case "fault":
			fault = true
		case "catalog":
			catalog = true
		case "migrate":
			migrate = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'hdsm help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), strings.ToLower(entry.Level.String()))
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(b, "%v ", layer)
	}
	for k, v := range entry.Data {
		if k == "layer" {
			continue
		}
		fmt.Fprintf(b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

var textFormatterInstance logrus.Formatter = defaultFormatter()

// defaultFormatter uses the colored logrus formatter when stderr is a
// terminal and the plain one otherwise.
func defaultFormatter() logrus.Formatter {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return &logrus.TextFormatter{ForceColors: true, FullTimestamp: true}
	}
	return &textFormatter{}
}
