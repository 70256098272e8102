// Package observability contains logging setup.
package observability

import (
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "rfcomm-chat/internal/config"
)

// SetupLogger builds a zap.Logger from the provided configuration, sets it as
// the global logger, and redirects the stdlib log package. The caller should
// defer logger.Sync().
func SetupLogger(c config.LogConfig) (*zap.Logger, error) {
    level := zap.NewAtomicLevelAt(parseLevel(c.Level))

    encCfg := defaultEncoderConfig(c.Development)
    var encoder zapcore.Encoder
    if strings.ToLower(c.Format) == "json" {
        encoder = zapcore.NewJSONEncoder(encCfg)
    } else {
        encoder = zapcore.NewConsoleEncoder(encCfg)
    }

    outputs := c.Outputs
    if len(outputs) == 0 {
        outputs = []string{"stderr"}
    }

    var cores []zapcore.Core
    // one core per destination; outputs naming the same file share it
    seen := make(map[string]bool)
    for _, out := range outputs {
        switch strings.ToLower(out) {
        case "stdout", "stderr":
            out = strings.ToLower(out)
        default:
            out = fileName(out, c)
        }
        if seen[out] {
            continue
        }
        seen[out] = true
        switch out {
        case "stdout":
            cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
        case "stderr":
            cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))
        default:
            cores = append(cores, zapcore.NewCore(encoder, fileSyncer(out, c), level))
        }
    }

    opts := []zap.Option{
        zap.AddCaller(),
        zap.AddStacktrace(zap.ErrorLevel),
    }
    if c.Development {
        opts = append(opts, zap.Development())
    }

    logger := zap.New(zapcore.NewTee(cores...), opts...)
    zap.ReplaceGlobals(logger)
    // redirect stdlib log to zap at Info level
    _, _ = zap.RedirectStdLogAt(logger, zap.InfoLevel)
    return logger, nil
}

func parseLevel(s string) zapcore.Level {
    switch strings.ToLower(s) {
    case "debug":
        return zap.DebugLevel
    case "warn", "warning":
        return zap.WarnLevel
    case "error":
        return zap.ErrorLevel
    default:
        return zap.InfoLevel
    }
}

// fileName returns the file an output writes to. With rotation enabled and
// Rotation.Filename set, every file output goes to that one rotated file.
func fileName(out string, c config.LogConfig) string {
    if c.Rotation.Enable && strings.TrimSpace(c.Rotation.Filename) != "" {
        return c.Rotation.Filename
    }
    return out
}

// fileSyncer opens a file output, rotated by lumberjack when enabled.
func fileSyncer(name string, c config.LogConfig) zapcore.WriteSyncer {
    if c.Rotation.Enable {
        return zapcore.AddSync(&lumberjack.Logger{
            Filename:   name,
            MaxSize:    max(c.Rotation.MaxSizeMB, 1),
            MaxBackups: max(c.Rotation.MaxBackups, 1),
            MaxAge:     max(c.Rotation.MaxAgeDays, 1),
            Compress:   c.Rotation.Compress,
        })
    }
    if dir := filepath.Dir(name); dir != "." {
        _ = os.MkdirAll(dir, 0o755)
    }
    f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil {
        // fallback to stderr on failure
        return zapcore.AddSync(os.Stderr)
    }
    return zapcore.AddSync(f)
}

func defaultEncoderConfig(dev bool) zapcore.EncoderConfig {
    if dev {
        cfg := zap.NewDevelopmentEncoderConfig()
        cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
        return cfg
    }
    return zap.NewProductionEncoderConfig()
}
