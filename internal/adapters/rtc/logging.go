package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logs into the global zerolog logger.
type LoggerFactory struct {
	Level zerolog.Level
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.Level)
	return &leveledLogger{l: l}
}

type leveledLogger struct {
	l zerolog.Logger
}

func (z *leveledLogger) Trace(msg string)                  { z.l.Trace().Msg(msg) }
func (z *leveledLogger) Tracef(format string, args ...any) { z.l.Trace().Msgf(format, args...) }
func (z *leveledLogger) Debug(msg string)                  { z.l.Debug().Msg(msg) }
func (z *leveledLogger) Debugf(format string, args ...any) { z.l.Debug().Msgf(format, args...) }
func (z *leveledLogger) Info(msg string)                   { z.l.Info().Msg(msg) }
func (z *leveledLogger) Infof(format string, args ...any)  { z.l.Info().Msgf(format, args...) }
func (z *leveledLogger) Warn(msg string)                   { z.l.Warn().Msg(msg) }
func (z *leveledLogger) Warnf(format string, args ...any)  { z.l.Warn().Msgf(format, args...) }
func (z *leveledLogger) Error(msg string)                  { z.l.Error().Msg(msg) }
func (z *leveledLogger) Errorf(format string, args ...any) { z.l.Error().Msgf(format, args...) }
