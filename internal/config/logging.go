package config

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOutput is the shared destination of every component logger. Close it
// on exit to release the log file.
type LogOutput struct {
	io.Writer
	file *lumberjack.Logger
}

// NewLogOutput returns stderr, teed into a rotated file when cfg.File is
// set.
func NewLogOutput(cfg LogConfig) *LogOutput {
	if cfg.File == "" {
		return &LogOutput{Writer: os.Stderr}
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return &LogOutput{Writer: io.MultiWriter(os.Stderr, file), file: file}
}

// Logger returns a logger for one component, e.g. Logger("cache") prefixes
// lines with "[cache] ".
func (o *LogOutput) Logger(component string) *log.Logger {
	return log.New(o, "["+component+"] ", log.LstdFlags)
}

// Close closes the log file, if any.
func (o *LogOutput) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
