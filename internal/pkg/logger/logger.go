// Package logger 包装 zap，提供进程级日志器与运行期可调的级别。
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 控制日志初始化。
type Options struct {
	Level    string // trace|debug|info|warn|error
	Format   string // console|json
	ToFile   bool
	FilePath string
}

var (
	mu          sync.RWMutex
	global      = zap.NewNop()
	sugar       = global.Sugar()
	atomicLevel = zap.NewAtomicLevel()
)

// Init 构建并安装全局日志器。重复调用会替换旧实例。
func Init(opts Options) error {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	atomicLevel = zap.NewAtomicLevelAt(level)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atomicLevel),
	}

	if opts.ToFile {
		path := opts.FilePath
		if path == "" {
			path = "veilgate.log"
		}
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), atomicLevel))
	}

	prev := global
	global = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	sugar = global.Sugar()
	if prev != nil {
		_ = prev.Sync()
	}
	return nil
}

// L 返回全局日志器。
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// S 返回全局 sugared 日志器。
func S() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// With 派生带字段的日志器。
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// SetLevel 在运行期调整级别。
func SetLevel(level string) error {
	lv, err := parseLevel(level)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	atomicLevel.SetLevel(lv)
	return nil
}

// Sync 冲刷缓冲日志，进程退出前调用。
func Sync() {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

// parseLevel 解析级别字符串；trace 映射到 debug（zap 无 trace）。
func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logger: invalid level %q", s)
	}
}
