package cluster

import (
	"io"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger returns the hclog.Logger handed to Raft. Raft is chatty, so
// its output is discarded unless verbose is set, in which case each line is
// forwarded to logger at debug level.
func newRaftLogger(logger *slog.Logger, verbose bool) hclog.Logger {
	if !verbose {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:        "raft",
		Level:       hclog.Debug,
		Output:      &slogWriter{logger: logger.With("component", "raft")},
		DisableTime: true,
	})
}

// slogWriter adapts hclog's line output onto a slog.Logger.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	if line := strings.TrimSpace(string(p)); line != "" {
		w.logger.Debug(line)
	}
	return len(p), nil
}
