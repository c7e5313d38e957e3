// Package logging routes orchestrator narration and subprocess output onto two
// independently filtered zerolog channels that share one sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Channel names attached to every record under the "channel" key.
const (
	ChannelDeploy = "deploy"
	ChannelOutput = "output"
)

// Router hands out the narration and subprocess-output loggers.
type Router struct {
	narration zerolog.Logger
	output    zerolog.Logger
}

// Options configures a Router.
type Options struct {
	Narration zerolog.Level
	Output    zerolog.Level
	// JSON disables the console writer and emits one JSON object per line.
	JSON bool
}

// New builds a Router writing to w. Writes are serialized, so any number of
// pipelines may log at once.
func New(w io.Writer, opts Options) *Router {
	base := zerolog.New(zerolog.SyncWriter(w)).With().Timestamp().Logger()
	return &Router{
		narration: base.Level(opts.Narration).With().Str("channel", ChannelDeploy).Logger(),
		output:    base.Level(opts.Output).With().Str("channel", ChannelOutput).Logger(),
	}
}

// NewConsole builds a Router on f, using a human readable console format
// unless JSON was requested. Colour is only used when f is a terminal.
func NewConsole(f *os.File, opts Options) *Router {
	if opts.JSON {
		return New(f, opts)
	}
	cw := zerolog.ConsoleWriter{
		Out:        f,
		TimeFormat: time.RFC3339,
		NoColor:    !term.IsTerminal(int(f.Fd())),
	}
	return New(cw, opts)
}

// Nop returns a Router that discards everything.
func Nop() *Router {
	return &Router{narration: zerolog.Nop(), output: zerolog.Nop()}
}

// Narration is the channel for the orchestrator's own messages.
func (r *Router) Narration() *zerolog.Logger { return &r.narration }

// Output is the channel for lines produced by spawned commands.
func (r *Router) Output() *zerolog.Logger { return &r.output }

// With returns a Router whose channels both carry key=value.
func (r *Router) With(key, value string) *Router {
	return &Router{
		narration: r.narration.With().Str(key, value).Logger(),
		output:    r.output.With().Str(key, value).Logger(),
	}
}

// ParseLevel maps a --log style flag value to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "off", "disabled":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
