// Package logging builds the *slog.Logger the orchestration engine and
// every Operation log their lifecycle through. Grounded on
// dmitrymomot/saaskit/pkg/logger's factory: the same Format type,
// WithLevel/WithFormat/WithDevelopment/WithProduction option shape, and
// JSON-by-default config. The context-extractor decorator machinery
// (WithContextExtractors, WithContextValue, the handler decorator) is
// dropped — nothing in this module threads request-scoped values through
// context into log attributes, so carrying that machinery over would be
// unused weight.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Format selects the slog.Handler a Logger is built around.
type Format string

const (
	// FormatJSON outputs structured logs, suited to log aggregation.
	FormatJSON Format = "json"
	// FormatText outputs human-readable logs, suited to local development.
	FormatText Format = "text"
)

// Option configures logger construction.
type Option func(*config)

// WithLevel sets the minimum level a constructed logger emits.
func WithLevel(l slog.Level) Option {
	return func(c *config) { c.level = l }
}

// WithFormat selects the handler format. Panics on an unrecognized format,
// matching the teacher's fail-fast stance on startup misconfiguration.
func WithFormat(f Format) Option {
	return func(c *config) {
		switch f {
		case FormatJSON, FormatText:
			c.format = f
		default:
			panic("logging: invalid format " + string(f))
		}
	}
}

// WithOutput overrides the destination a constructed logger writes to.
// A nil writer is ignored.
func WithOutput(w io.Writer) Option {
	return func(c *config) {
		if w != nil {
			c.output = w
		}
	}
}

// WithAttr attaches static attributes to every record a constructed logger
// emits, such as a service name.
func WithAttr(attrs ...slog.Attr) Option {
	return func(c *config) {
		if len(attrs) > 0 {
			c.attrs = append(c.attrs, attrs...)
		}
	}
}

// WithDevelopment configures text output at debug level, tagged with
// service, for local runs where readability matters more than volume.
func WithDevelopment(service string) Option {
	return func(c *config) {
		c.level = slog.LevelDebug
		c.format = FormatText
		if service != "" {
			c.attrs = append(c.attrs, slog.String("service", service), slog.String("env", "development"))
		}
	}
}

// WithProduction configures JSON output at info level, tagged with
// service, for deployed runs where log volume and structure matter.
func WithProduction(service string) Option {
	return func(c *config) {
		c.level = slog.LevelInfo
		c.format = FormatJSON
		if service != "" {
			c.attrs = append(c.attrs, slog.String("service", service), slog.String("env", "production"))
		}
	}
}

type config struct {
	level  slog.Level
	format Format
	output io.Writer
	attrs  []slog.Attr
}

func defaultConfig() *config {
	return &config{
		level:  slog.LevelInfo,
		format: FormatJSON,
		output: os.Stdout,
	}
}

// New builds a *slog.Logger from opts, defaulting to JSON output at info
// level on stdout when no options override them.
func New(opts ...Option) *slog.Logger {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.level}

	var handler slog.Handler
	if cfg.format == FormatText {
		handler = slog.NewTextHandler(cfg.output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(cfg.output, handlerOpts)
	}
	if len(cfg.attrs) > 0 {
		handler = handler.WithAttrs(cfg.attrs)
	}
	return slog.New(handler)
}
