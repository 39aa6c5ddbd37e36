package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global zerolog logger. Logs go to LogFile when toFile is
// set so they do not tear the live progress display; the returned closer closes it.
func InitLogger(debug, toFile bool) (io.Closer, error) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	if toFile {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	var out io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if toFile {
		f, err := os.OpenFile(LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		out, closer = f, f
	}
	SetLogOutput(out)
	return closer, nil
}

func SetLogOutput(w io.Writer) {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
		NoColor:    w != os.Stderr,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}
