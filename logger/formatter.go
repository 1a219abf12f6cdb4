package logger

import (
	"bytes"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	resetColorCode         = 0
	defaultFieldSeparator  = " | "
	defaultTimestampFormat = time.RFC3339
)

// Formatter implements logrus.Formatter.
type Formatter struct {
	// TimestampFormat specifies the format of the timestamp. Default: time.RFC3339.
	TimestampFormat string
	// NoColors disables colorized output.
	NoColors bool
	// ForceColors forces colorized output.
	ForceColors bool
	// DisableTimestamp disables timestamp output.
	DisableTimestamp bool
	// DisplayLevelName configures which level names are printed.
	DisplayLevelName LevelNameDisplayMode
	// ShowFullLevel shows "WARNING" instead of "WARN".
	ShowFullLevel bool
	// HideKeys prints "[value]" instead of "[key:value]".
	HideKeys bool
	// FieldsDisplayWithOrder lists field keys printed first, in this order.
	// Remaining fields follow alphabetically.
	FieldsDisplayWithOrder []string
	// FieldSeparator defaults to " | ".
	FieldSeparator string
	// DisableCaller disables caller information output.
	DisableCaller bool
	// CustomCallerFormatter formats caller information.
	CustomCallerFormatter func(*runtime.Frame) string
	// MaxFieldValueLength truncates longer field values. 0 disables truncation.
	MaxFieldValueLength int
}

// LevelNameDisplayMode defines how log level names are displayed.
type LevelNameDisplayMode int

const (
	ShowAll LevelNameDisplayMode = iota
	ShowAboveWarn
	ShowAboveError
	HideAll
)

func (f *Formatter) showLevel(level logrus.Level) bool {
	switch f.DisplayLevelName {
	case ShowAll:
		return true
	case ShowAboveWarn:
		return level <= logrus.WarnLevel
	case ShowAboveError:
		return level <= logrus.ErrorLevel
	default:
		return false
	}
}

// Format formats the log entry.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	if !f.DisableTimestamp {
		timestampFormat := f.TimestampFormat
		if timestampFormat == "" {
			timestampFormat = defaultTimestampFormat
		}
		b.WriteString(entry.Time.Format(timestampFormat))
		b.WriteString(" ")
	}

	if f.showLevel(entry.Level) {
		useColors := f.ForceColors || !f.NoColors
		if useColors {
			fmt.Fprintf(b, "\x1b[%dm", getColorByLevel(entry.Level))
		}
		levelStr := strings.ToUpper(entry.Level.String())
		if !f.ShowFullLevel && len(levelStr) > 4 {
			levelStr = levelStr[:4]
		}
		fmt.Fprintf(b, "[%s]", levelStr)
		if useColors {
			fmt.Fprintf(b, "\x1b[%dm", resetColorCode)
		}
		b.WriteString(" ")
	}

	separator := f.FieldSeparator
	if separator == "" {
		separator = defaultFieldSeparator
	}
	if len(entry.Data) > 0 {
		b.WriteString("[")
		f.writeFields(b, entry, separator)
		b.WriteString("] ")
	}

	b.WriteString(entry.Message)

	if !f.DisableCaller && entry.HasCaller() {
		b.WriteString(" ")
		f.writeCaller(b, entry)
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *Formatter) writeFields(b *bytes.Buffer, entry *logrus.Entry, separator string) {
	written := make(map[string]bool, len(entry.Data))
	keys := make([]string, 0, len(entry.Data))
	for _, key := range f.FieldsDisplayWithOrder {
		if _, ok := entry.Data[key]; ok {
			keys = append(keys, key)
			written[key] = true
		}
	}

	rest := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if !written[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	for i, key := range keys {
		if i > 0 {
			b.WriteString(separator)
		}
		f.writeKeyValue(b, key, entry.Data[key])
	}
}

func (f *Formatter) writeKeyValue(b *bytes.Buffer, key string, value interface{}) {
	valStr := fmt.Sprintf("%v", value)
	if f.MaxFieldValueLength > 0 && len(valStr) > f.MaxFieldValueLength {
		valStr = valStr[:f.MaxFieldValueLength] + "..."
	}

	if f.HideKeys {
		b.WriteString(valStr)
	} else {
		fmt.Fprintf(b, "%s:%s", key, valStr)
	}
}

func (f *Formatter) writeCaller(b *bytes.Buffer, entry *logrus.Entry) {
	if f.CustomCallerFormatter != nil {
		fmt.Fprint(b, f.CustomCallerFormatter(entry.Caller))
		return
	}
	callerFunc := filepath.Base(entry.Caller.Function)
	if parts := strings.Split(callerFunc, "."); len(parts) > 1 {
		callerFunc = parts[len(parts)-1]
	}
	fmt.Fprintf(b, "(%s:%d %s)", filepath.Base(entry.Caller.File), entry.Caller.Line, callerFunc)
}

func getColorByLevel(level logrus.Level) int {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return colorBlue
	case logrus.WarnLevel:
		return colorYellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return colorRed
	default:
		return colorGray
	}
}

const (
	colorRed    = 31
	colorYellow = 33
	colorBlue   = 36
	colorGray   = 37
)
