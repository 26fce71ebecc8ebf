package logger

import (
	"os"
	"strings"

	"binance-algo-executor/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var base *zap.Logger

// New 根据配置构建一个 zap 日志记录器, 不修改全局实例
func New(cfg models.LogConfig) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if output == "file" || output == "both" {
		// 文件输出不带颜色, lumberjack 负责切割
		fileEncoderConfig := encoderConfig
		fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		rotator := &lumberjack.Logger{
			Filename:   fileName(cfg.File),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig), zapcore.AddSync(rotator), level))
	}

	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// InitLogger 初始化全局日志记录器并返回它
func InitLogger(cfg models.LogConfig) *zap.Logger {
	base = New(cfg)
	return base
}

// L 返回全局的结构化 logger
func L() *zap.Logger {
	if base == nil {
		// 未初始化时提供一个应急 logger
		l, _ := zap.NewDevelopment()
		return l
	}
	return base
}

// S 返回全局的 sugared logger
func S() *zap.SugaredLogger {
	return L().Sugar()
}

func fileName(path string) string {
	if path == "" {
		return "logs/executor.log"
	}
	return path
}
