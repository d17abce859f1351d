package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger returns the process logger tagged with one component name.
func Logger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
