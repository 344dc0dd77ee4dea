// Package mlog provides logging with log levels and fields, wrapping
// log/slog.
//
// Each log level has a function to log with and without error. Logging
// strings should be constant; variable data belongs in attributes, for
// easier log processing.
//
// Log levels can be configured per originating package (the "pkg"
// attribute), e.g. spf, dnsbl, reputation, pipeline. Configuration is
// process-global, so every Log value observes the same levels.
package mlog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

type Level = slog.Level

const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelError = slog.LevelError
)

var LevelStrings = map[Level]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelError: "error",
}

var Levels = map[string]Level{
	"trace": LevelTrace,
	"debug": LevelDebug,
	"info":  LevelInfo,
	"error": LevelError,
}

// config holds a map[string]Level, mapping package name to minimum level.
// The empty string is the default/fallback level.
var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelInfo})
	SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// SetConfig atomically replaces the per-package log levels used to decide
// whether a Logger's handler should be invoked.
func SetConfig(c map[string]Level) {
	config.Store(c)
}

func levelFor(pkg string) Level {
	c := config.Load().(map[string]Level)
	if v, ok := c[pkg]; ok {
		return v
	}
	return c[""]
}

var defaultLogger atomic.Pointer[slog.Logger]

// SetDefault sets the base slog.Logger used when New is called without an
// explicit logger.
func SetDefault(l *slog.Logger) {
	defaultLogger.Store(l)
}

type ctxKey string

var cidKey ctxKey = "cid"

// WithCid returns a context carrying a connection/request id for
// correlating log lines.
func WithCid(ctx context.Context, cid int64) context.Context {
	return context.WithValue(ctx, cidKey, cid)
}

// Log is a logger bound to an originating package name.
type Log struct {
	Logger *slog.Logger
	pkg    string
}

// New returns a Log for package pkg. If elog is nil, the process default
// logger is used.
func New(pkg string, elog *slog.Logger) Log {
	l := elog
	if l == nil {
		l = defaultLogger.Load()
	}
	return Log{Logger: l, pkg: pkg}
}

// WithContext adds a "cid" attribute from ctx, if present.
func (l Log) WithContext(ctx context.Context) Log {
	if v := ctx.Value(cidKey); v != nil {
		if cid, ok := v.(int64); ok {
			nl := l
			nl.Logger = l.Logger.With(slog.Int64("cid", cid))
			return nl
		}
	}
	return l
}

func (l Log) enabled(level Level) bool {
	return level >= levelFor(l.pkg)
}

func (l Log) log(level Level, err error, msg string, attrs ...slog.Attr) {
	if !l.enabled(level) {
		return
	}
	all := make([]slog.Attr, 0, len(attrs)+2)
	all = append(all, slog.String("pkg", l.pkg))
	if err != nil {
		all = append(all, slog.String("err", err.Error()))
	}
	all = append(all, attrs...)
	l.Logger.LogAttrs(context.Background(), level, msg, all...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) { l.log(LevelTrace, nil, msg, attrs...) }
func (l Log) Debug(msg string, attrs ...slog.Attr) { l.log(LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelDebug, err, msg, attrs...)
}
func (l Log) Info(msg string, attrs ...slog.Attr) { l.log(LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelInfo, err, msg, attrs...)
}
func (l Log) Error(msg string, attrs ...slog.Attr) { l.log(LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelError, err, msg, attrs...)
}

// Fatalx logs at error level and terminates the process. Used only for
// unrecoverable startup failures.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	all := append([]slog.Attr{slog.String("pkg", l.pkg)}, attrs...)
	if err != nil {
		all = append(all, slog.String("err", err.Error()))
	}
	l.Logger.LogAttrs(context.Background(), slog.LevelError, msg, all...)
	os.Exit(1)
}

// Check logs err at error level if non-nil, for use in defers where the
// error cannot be returned, e.g. closing a file after a successful read.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err == nil {
		return
	}
	l.Errorx(msg, err, attrs...)
}

// Field is a convenience wrapper around slog.Any for attributes whose type
// varies by call site.
func Field(key string, value any) slog.Attr {
	return slog.Any(key, value)
}
