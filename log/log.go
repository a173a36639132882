package log

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where and how the server logs.
type Options struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string
	// OutputPath is a file path, or "stdout"/"stderr". Empty means stdout.
	OutputPath string
	// Async buffers writes and flushes them from a background goroutine.
	Async bool
	// Disabled discards everything.
	Disabled bool

	// The rest only apply when OutputPath is a file.

	// MaxSizeMB rotates the file once it reaches this size. Zero means 100.
	MaxSizeMB int
	// MaxBackups caps how many rotated files are kept. Zero keeps all.
	MaxBackups int
	// MaxAgeDays deletes rotated files older than this. Zero keeps all.
	MaxAgeDays int
	// Daily also rotates at local midnight.
	Daily bool
}

// New builds a logger for opts. The returned function flushes pending
// entries and releases the sink; call it once before exit.
func New(opts Options) (*zap.Logger, func(), error) {
	if opts.Disabled {
		return zap.NewNop(), func() {}, nil
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, nil, err
		}
	}

	output := opts.OutputPath
	if output == "" {
		output = "stdout"
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if isTerminal(output) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var (
		sink      zapcore.WriteSyncer
		closeSink func()
	)
	if isStdStream(output) {
		var err error
		sink, closeSink, err = zap.Open(output)
		if err != nil {
			return nil, nil, err
		}
	} else {
		rotator := &lumberjack.Logger{
			Filename:   output,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			LocalTime:  true,
		}
		// open now so a bad path fails here rather than on the first entry
		if _, err := rotator.Write(nil); err != nil {
			return nil, nil, err
		}
		sink = zapcore.AddSync(rotator)
		stop := make(chan struct{})
		done := make(chan struct{})
		if opts.Daily {
			go rotateDaily(rotator, time.Now, stop, done)
		} else {
			close(done)
		}
		closeSink = func() {
			close(stop)
			<-done
			_ = rotator.Close()
		}
	}

	var buffered *zapcore.BufferedWriteSyncer
	if opts.Async {
		buffered = &zapcore.BufferedWriteSyncer{WS: sink, FlushInterval: time.Second}
		sink = buffered
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), sink, level)
	logger := zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))

	cleanup := func() {
		_ = logger.Sync()
		if buffered != nil {
			_ = buffered.Stop()
		}
		closeSink()
	}
	return logger, cleanup, nil
}

// rotateDaily rotates l at every local midnight until stop is closed.
func rotateDaily(l *lumberjack.Logger, now func() time.Time, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(untilMidnight(now()))
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			_ = l.Rotate()
			timer.Reset(untilMidnight(now()))
		}
	}
}

func untilMidnight(t time.Time) time.Duration {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location()).Sub(t)
}

func isStdStream(output string) bool {
	return output == "stdout" || output == "stderr"
}

func isTerminal(output string) bool {
	switch output {
	case "stdout":
		return isatty.IsTerminal(os.Stdout.Fd())
	case "stderr":
		return isatty.IsTerminal(os.Stderr.Fd())
	}
	return false
}
