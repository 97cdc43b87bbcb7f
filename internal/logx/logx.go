package logx

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures NewLogger. The zero value logs at info to stdout.
type Options struct {
	Level string    // zerolog level name, default "info"
	Out   io.Writer // console destination, default os.Stdout

	// File, when set, also receives JSON lines rotated by size.
	File       string
	MaxSizeMB  int // default 100
	MaxBackups int
	MaxAgeDays int
}

// NewLogger returns a zerolog logger configured for console output.
func NewLogger(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level: %w", err)
		}
		level = l
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	var output io.Writer = zerolog.ConsoleWriter{
		Out:        opts.Out,
		TimeFormat: time.RFC3339,
	}
	if opts.File != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 100
		}
		output = zerolog.MultiLevelWriter(output, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		})
	}

	zerolog.CallerMarshalFunc = shortCaller
	logger := zerolog.New(output).Level(level).With().Timestamp().Caller().Logger()
	return logger, nil
}

// shortCaller keeps the file name only, padded for alignment.
func shortCaller(pc uintptr, file string, line int) string {
	short := file
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			short = file[i+1:]
			break
		}
	}
	return fmt.Sprintf("%-28s", fmt.Sprintf("%s:%d", short, line))
}
