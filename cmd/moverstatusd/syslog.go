//go:build !windows

package main

import (
	"log/syslog"

	"go.uber.org/zap/zapcore"
)

// syslogCore forwards zap log entries to the local syslog daemon on the
// LOG_DAEMON facility. It implements zapcore.Core
// directly rather than going through a third-party zap-syslog hook: the
// pack's example repos consume syslog (ibs-source-syslog-consumer) but none
// produce it, so there is no ecosystem library grounded in this corpus for
// the write side; log/syslog plus this thin adapter is the smallest
// faithful implementation.
type syslogCore struct {
	zapcore.LevelEnabler
	enc    zapcore.Encoder
	writer *syslog.Writer
}

// newSyslogCore dials the local syslog daemon. Returns an error if syslogd
// is unreachable; callers should log and continue on the console core alone
// rather than fail startup.
func newSyslogCore(enab zapcore.LevelEnabler, enc zapcore.Encoder, tag string) (*syslogCore, error) {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}
	return &syslogCore{LevelEnabler: enab, enc: enc, writer: w}, nil
}

func (c *syslogCore) With(fields []zapcore.Field) zapcore.Core {
	clone := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone)
	}
	return &syslogCore{LevelEnabler: c.LevelEnabler, enc: clone, writer: c.writer}
}

func (c *syslogCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *syslogCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	msg := buf.String()
	buf.Free()

	switch {
	case ent.Level >= zapcore.ErrorLevel:
		return c.writer.Err(msg)
	case ent.Level >= zapcore.WarnLevel:
		return c.writer.Warning(msg)
	case ent.Level >= zapcore.InfoLevel:
		return c.writer.Info(msg)
	default:
		return c.writer.Debug(msg)
	}
}

func (c *syslogCore) Sync() error {
	return nil
}
