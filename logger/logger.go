// logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/mensylisir/xmexec/common"
)

// Log is the global logger instance of XMLog.
var Log *XMLog

// XMLog wraps logrus.Logger for application-specific logging.
type XMLog struct {
	*logrus.Logger
}

var defaultFieldsOrder = []string{
	common.HostName, common.KindName, common.RunIDName, common.CommandName,
}

func init() {
	Log = &XMLog{Logger: newConsoleLogger(logrus.InfoLevel, ShowAboveWarn)}
}

func newConsoleLogger(level logrus.Level, display LevelNameDisplayMode) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&Formatter{
		TimestampFormat:        "15:04:05",
		NoColors:               false,
		DisplayLevelName:       display,
		DisableCaller:          true,
		FieldsDisplayWithOrder: defaultFieldsOrder,
	})
	logger.SetOutput(os.Stdout)
	return logger
}

// InitGlobalLogger initializes the global Log variable.
// An empty outputPath keeps logging on the console.
func InitGlobalLogger(outputPath string, verbose bool, defaultLevel logrus.Level) error {
	l, err := NewXMLog(outputPath, verbose, defaultLevel)
	if err != nil {
		return err
	}
	Log = l
	return nil
}

// NewXMLog creates a new instance of XMLog writing either to a daily rotated
// file under outputPath or, when outputPath is empty, to stdout.
func NewXMLog(outputPath string, verbose bool, defaultLevel logrus.Level) (*XMLog, error) {
	currentLogLevel := defaultLevel
	if verbose {
		currentLogLevel = logrus.DebugLevel
	}

	formatterDisplayLevelConfig := ShowAboveWarn
	if verbose {
		formatterDisplayLevelConfig = ShowAll
	}

	if outputPath == "" {
		return &XMLog{Logger: newConsoleLogger(currentLogLevel, formatterDisplayLevelConfig)}, nil
	}

	logger := logrus.New()
	logger.SetLevel(currentLogLevel)
	logger.SetReportCaller(true)

	if err := os.MkdirAll(outputPath, common.FileMode0755); err != nil {
		return nil, fmt.Errorf("failed to create log output directory %s: %w", outputPath, err)
	}
	logFilePath := filepath.Join(outputPath, common.AppName+".log")

	writer, err := rotatelogs.New(
		logFilePath+".%Y%m%d",
		rotatelogs.WithLinkName(logFilePath),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rotatelogs for %s: %w", logFilePath, err)
	}

	fileFormatter := &Formatter{
		TimestampFormat:        "2006-01-02 15:04:05.000 MST",
		NoColors:               true,
		DisplayLevelName:       formatterDisplayLevelConfig,
		FieldsDisplayWithOrder: defaultFieldsOrder,
		FieldSeparator:         " | ",
		DisableCaller:          false,
		CustomCallerFormatter: func(frame *runtime.Frame) string {
			return fmt.Sprintf(" [%s:%d %s]", filepath.Base(frame.File), frame.Line, filepath.Base(frame.Function))
		},
	}
	logger.SetFormatter(fileFormatter)

	logWriters := lfshook.WriterMap{}
	for _, level := range logrus.AllLevels {
		if logger.IsLevelEnabled(level) {
			logWriters[level] = writer
		}
	}
	if len(logWriters) > 0 {
		logger.Hooks.Add(lfshook.NewHook(logWriters, fileFormatter))
		// the hook owns the file; the default writer would duplicate every line
		logger.SetOutput(io.Discard)
	}

	return &XMLog{Logger: logger}, nil
}

func (xl *XMLog) logWithStandardFields(level logrus.Level, fixedFields logrus.Fields, message string, dynamicFields ...logrus.Fields) {
	entry := xl.Logger.WithFields(fixedFields)
	if len(dynamicFields) > 0 && dynamicFields[0] != nil {
		entry = entry.WithFields(dynamicFields[0])
	}
	entry.Log(level, message)
}

func (xl *XMLog) logfWithStandardFields(level logrus.Level, fixedFields logrus.Fields, format string, args []interface{}) {
	xl.Logger.WithFields(fixedFields).Logf(level, format, args...)
}

// ForHost returns an entry carrying the host field, the base entry every
// executable derives its logger from.
func (xl *XMLog) ForHost(host string) *logrus.Entry {
	return xl.Logger.WithField(common.HostName, host)
}

// --- Host Context Logging ---
func (xl *XMLog) DebugHost(host string, message string, dynamicFields ...logrus.Fields) {
	xl.logWithStandardFields(logrus.DebugLevel, logrus.Fields{common.HostName: host}, message, dynamicFields...)
}
func (xl *XMLog) DebugfHost(host string, format string, args ...interface{}) {
	xl.logfWithStandardFields(logrus.DebugLevel, logrus.Fields{common.HostName: host}, format, args)
}
func (xl *XMLog) InfoHost(host string, message string, dynamicFields ...logrus.Fields) {
	xl.logWithStandardFields(logrus.InfoLevel, logrus.Fields{common.HostName: host}, message, dynamicFields...)
}
func (xl *XMLog) InfofHost(host string, format string, args ...interface{}) {
	xl.logfWithStandardFields(logrus.InfoLevel, logrus.Fields{common.HostName: host}, format, args)
}
func (xl *XMLog) WarnfHost(host string, format string, args ...interface{}) {
	xl.logfWithStandardFields(logrus.WarnLevel, logrus.Fields{common.HostName: host}, format, args)
}
func (xl *XMLog) ErrorfHost(host string, err error, format string, args ...interface{}) {
	fixedFields := logrus.Fields{common.HostName: host}
	if err != nil {
		fixedFields["error"] = err
	}
	xl.logfWithStandardFields(logrus.ErrorLevel, fixedFields, format, args)
}

// --- Command Context Logging ---
func (xl *XMLog) DebugfCommand(host, command string, format string, args ...interface{}) {
	xl.logfWithStandardFields(logrus.DebugLevel, logrus.Fields{common.HostName: host, common.CommandName: command}, format, args)
}
func (xl *XMLog) WarnfCommand(host, command string, format string, args ...interface{}) {
	xl.logfWithStandardFields(logrus.WarnLevel, logrus.Fields{common.HostName: host, common.CommandName: command}, format, args)
}
func (xl *XMLog) ErrorfCommand(host, command string, err error, format string, args ...interface{}) {
	fixedFields := logrus.Fields{common.HostName: host, common.CommandName: command}
	if err != nil {
		fixedFields["error"] = err
	}
	xl.logfWithStandardFields(logrus.ErrorLevel, fixedFields, format, args)
}

// LogAtLevel provides a general way to log with a specific level, message, and fields.
func (xl *XMLog) LogAtLevel(level logrus.Level, message string, fields logrus.Fields) {
	xl.WithFields(fields).Log(level, message)
}

// LogfAtLevel provides a general way to log a formatted message with a specific level and fields.
func (xl *XMLog) LogfAtLevel(level logrus.Level, fields logrus.Fields, format string, args ...interface{}) {
	xl.WithFields(fields).Logf(level, format, args...)
}
