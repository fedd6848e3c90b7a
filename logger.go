package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	goxerrors "github.com/mdobak/go-xerrors"
	"github.com/natefinch/lumberjack"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// newLogger writes to stdout and, when cfg.File is set, to a rotating file.
// The returned closer releases the file sink.
func newLogger(cfg LogConfig) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, rotating)
		closer = rotating
	}

	return slog.New(newHandler(out, cfg)), closer
}

func newHandler(w io.Writer, cfg LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: replaceAttr,
	}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return a
	}
	if err, ok := a.Value.Any().(error); ok {
		a.Value = fmtErr(err)
	}
	return a
}

// fmtErr renders an error with its stack trace when one was captured.
func fmtErr(err error) slog.Value {
	var groupValues []slog.Attr
	groupValues = append(groupValues, slog.String("msg", err.Error()))

	if frames := marshalStack(err); frames != nil {
		groupValues = append(groupValues, slog.Any("trace", frames))
	}

	return slog.GroupValue(groupValues...)
}

func marshalStack(err error) []stackFrame {
	trace := goxerrors.StackTrace(err)
	if len(trace) == 0 {
		return nil
	}

	frames := trace.Frames()
	s := make([]stackFrame, len(frames))
	for i, v := range frames {
		s[i] = stackFrame{
			Source: filepath.Join(filepath.Base(filepath.Dir(v.File)), filepath.Base(v.File)),
			Func:   filepath.Base(v.Function),
			Line:   v.Line,
		}
	}
	return s
}

// traced attaches the current stack to err for logging. err stays in the
// chain.
func traced(err error) error {
	return goxerrors.New(err)
}
