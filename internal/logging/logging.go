// Package logging 构建按子系统命名的结构化日志
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 创建根日志记录器
//
// verbose 为 true 时输出 Debug 级别，否则 Info 级别。
// 各子系统通过 logger.Named("codecache") 之类派生带标签的记录器。
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// Nop 创建静默记录器（测试和默认库内使用）
func Nop() *zap.Logger {
	return zap.NewNop()
}
