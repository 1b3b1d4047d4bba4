// Package config assembles the server configuration from, in increasing
// precedence: struct defaults, a .env file, COSMIC_* environment variables,
// and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "cosmic"

// Config holds every tunable of the server.
type Config struct {
	Addr        string `envconfig:"ADDR" default:":8000" validate:"required"`
	DB          string `envconfig:"DB" default:"chat.db"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	WTAddr      string `envconfig:"WT_ADDR"`
	TLSCert     string `envconfig:"TLS_CERT" validate:"required_with=TLSKey"`
	TLSKey      string `envconfig:"TLS_KEY" validate:"required_with=TLSCert"`
	TLSHostname string `envconfig:"TLS_HOSTNAME"`

	Debug     bool   `envconfig:"DEBUG"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	HistoryLimit    int `envconfig:"HISTORY_LIMIT" default:"50" validate:"min=1"`
	MaxHistoryLimit int `envconfig:"MAX_HISTORY_LIMIT" default:"500" validate:"gtefield=HistoryLimit"`

	MaxFrameBytes int64         `envconfig:"MAX_FRAME_BYTES" default:"16777216" validate:"min=1024"`
	SendQueue     int           `envconfig:"SEND_QUEUE" default:"256" validate:"min=1"`
	SendTimeout   time.Duration `envconfig:"SEND_TIMEOUT" default:"1s" validate:"gt=0"`
	WriteTimeout  time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s" validate:"gt=0"`
	PingInterval  time.Duration `envconfig:"PING_INTERVAL" default:"30s" validate:"gte=0"`

	FrameRate  float64 `envconfig:"FRAME_RATE" default:"20" validate:"gte=0"`
	FrameBurst int     `envconfig:"FRAME_BURST" default:"40" validate:"min=1"`

	PasswordCost    int           `envconfig:"PASSWORD_COST" default:"10" validate:"min=4,max=31"`
	MetricsInterval time.Duration `envconfig:"METRICS_INTERVAL" default:"30s" validate:"gt=0"`

	// Zero disables /api/link-preview.
	PreviewTimeout      time.Duration `envconfig:"PREVIEW_TIMEOUT" default:"4s" validate:"gte=0"`
	PreviewAllowPrivate bool          `envconfig:"PREVIEW_ALLOW_PRIVATE"`

	TestBotRoom     string        `envconfig:"TESTBOT_ROOM"`
	TestBotInterval time.Duration `envconfig:"TESTBOT_INTERVAL" default:"5s" validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration. envFiles defaults to ".env"; missing files
// are ignored. It returns the arguments left after flag parsing, which name
// the CLI subcommand if any.
func Load(args []string, envFiles ...string) (Config, []string, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("process environment: %w", err)
	}

	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flags.StringVar(&cfg.DB, "db", cfg.DB, "SQLite database path")
	flags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL URL (overrides -db)")
	flags.StringVar(&cfg.WTAddr, "wt-addr", cfg.WTAddr, "WebTransport (HTTP/3) listen address; empty disables")
	flags.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS certificate for WebTransport (self-signed when empty)")
	flags.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key for WebTransport")
	flags.StringVar(&cfg.TLSHostname, "tls-hostname", cfg.TLSHostname, "hostname for the self-signed certificate")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging (auto-enabled for dev builds)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	flags.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "default /history size")
	flags.IntVar(&cfg.MaxHistoryLimit, "max-history-limit", cfg.MaxHistoryLimit, "largest /history size accepted")
	flags.Int64Var(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "largest inbound frame")
	flags.IntVar(&cfg.SendQueue, "send-queue", cfg.SendQueue, "outbound frames buffered per connection")
	flags.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "how long a full outbound queue may block a sender")
	flags.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "socket write deadline")
	flags.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "websocket ping interval; 0 disables")
	flags.Float64Var(&cfg.FrameRate, "frame-rate", cfg.FrameRate, "inbound frames per second per connection; 0 disables")
	flags.IntVar(&cfg.FrameBurst, "frame-burst", cfg.FrameBurst, "inbound frame burst per connection")
	flags.IntVar(&cfg.PasswordCost, "password-cost", cfg.PasswordCost, "bcrypt cost for room passwords")
	flags.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "stats log interval")
	flags.DurationVar(&cfg.PreviewTimeout, "preview-timeout", cfg.PreviewTimeout, "link preview fetch timeout; 0 disables /api/link-preview")
	flags.BoolVar(&cfg.PreviewAllowPrivate, "preview-allow-private", cfg.PreviewAllowPrivate, "allow link previews of loopback and private hosts")
	flags.StringVar(&cfg.TestBotRoom, "testbot-room", cfg.TestBotRoom, "join this room with a virtual participant that posts test messages")
	flags.DurationVar(&cfg.TestBotInterval, "testbot-interval", cfg.TestBotInterval, "testbot message interval")
	if err := flags.Parse(args); err != nil {
		return Config{}, nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, flags.Args(), nil
}
