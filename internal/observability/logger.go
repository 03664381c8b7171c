package observability

import (
	"github.com/danmuck/cpsw/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures runtime logging and tags the global logger with app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
