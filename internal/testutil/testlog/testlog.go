package testlog

import (
	"testing"

	"github.com/danmuck/nettables/internal/logging"
	"github.com/rs/zerolog"
)

// Start configures test logging and returns a logger tagged with the test
// name.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	logger := logging.Logger("test").With().Str("test", t.Name()).Logger()
	logger.Info().Msg("start")
	return logger
}
