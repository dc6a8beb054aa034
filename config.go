package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/tracebox/progress"
	"github.com/Seednode/tracebox/protocol"
)

type Config struct {
	bind         string
	httpPort     int
	idleTimeout  time.Duration
	logDir       string
	margin       float64
	maxLine      int
	port         int
	prefix       string
	profile      bool
	radius       float64
	session      string
	shapes       string
	spacing      float64
	strictShapes bool
	tlsCert      string
	tlsKey       string
	verbose      bool
	version      bool

	bot botConfig
}

type botConfig struct {
	addr     string
	interval time.Duration
	name     string
	once     bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.httpPort < 0 || c.httpPort > 65535 {
		return fmt.Errorf("invalid http port (must be between 0-65535 inclusive): %d", c.httpPort)
	}
	if c.httpPort == c.port {
		return fmt.Errorf("--port and --http-port must differ: %d", c.port)
	}
	if !(c.radius > 0) {
		return fmt.Errorf("invalid radius (must be positive): %v", c.radius)
	}
	if !(c.margin > 0) {
		return fmt.Errorf("invalid margin (must be positive): %v", c.margin)
	}
	if c.spacing < 0 {
		return fmt.Errorf("invalid spacing (must be 0 or positive): %v", c.spacing)
	}
	if c.maxLine < 64 {
		return fmt.Errorf("invalid max line length (must be at least 64): %d", c.maxLine)
	}
	if c.idleTimeout < 0 {
		return fmt.Errorf("invalid idle timeout: %s", c.idleTimeout)
	}
	if c.session == "" || strings.ContainsAny(c.session, `/\`) {
		return fmt.Errorf("invalid session name: %q", c.session)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) validateBot() error {
	if c.bot.addr == "" {
		return errors.New("--addr must not be empty")
	}
	if c.bot.interval <= 0 {
		return fmt.Errorf("invalid interval (must be positive): %s", c.bot.interval)
	}
	if strings.ContainsAny(c.bot.name, "\r\n") {
		return fmt.Errorf("invalid bot name: %q", c.bot.name)
	}
	return nil
}

func normalizeFlags(fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

// bindEnv lets every flag in fs be set from TRACEBOX_<FLAG> instead.
func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TRACEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

func newCmd(cfg *Config) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "tracebox",
		Short:         "Two-player cooperative shape tracing game server.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return Serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	normalizeFlags(fs)

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: TRACEBOX_BIND)")
	fs.IntVar(&cfg.httpPort, "http-port", 8080, "port for the status page and websocket players, 0 to disable (env: TRACEBOX_HTTP_PORT)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 0, "disconnect players silent for this long, 0 to disable (env: TRACEBOX_IDLE_TIMEOUT)")
	fs.StringVar(&cfg.logDir, "log-dir", ".", "directory for the session event log (env: TRACEBOX_LOG_DIR)")
	fs.Float64Var(&cfg.margin, "margin", progress.DefaultMargin, "largest allowed gap in completed fraction between players (env: TRACEBOX_MARGIN)")
	fs.IntVar(&cfg.maxLine, "max-line", protocol.MaxLineLength, "maximum line length, in bytes (env: TRACEBOX_MAX_LINE)")
	fs.IntVarP(&cfg.port, "port", "p", 8000, "port for line protocol players (env: TRACEBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: TRACEBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: TRACEBOX_PROFILE)")
	fs.Float64Var(&cfg.radius, "radius", progress.DefaultRadius, "distance within which a checkpoint counts as reached (env: TRACEBOX_RADIUS)")
	fs.StringVarP(&cfg.session, "session", "s", "session", "session name, used for the event log file name (env: TRACEBOX_SESSION)")
	fs.StringVar(&cfg.shapes, "shapes", "shape_library.json", "path to the shape library (env: TRACEBOX_SHAPES)")
	fs.Float64Var(&cfg.spacing, "spacing", 0.01, "checkpoint spacing used to sample library polygons, 0 if already sampled (env: TRACEBOX_SPACING)")
	fs.BoolVar(&cfg.strictShapes, "strict-shapes", false, "exit if the shape library cannot be read, instead of serving an empty one (env: TRACEBOX_STRICT_SHAPES)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: TRACEBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: TRACEBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: TRACEBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: TRACEBOX_VERSION)")

	bindEnv(v, fs)

	cmd.AddCommand(newBotCmd(cfg))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("tracebox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func newBotCmd(cfg *Config) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Connect a player that traces its own path automatically.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validateBot(); err != nil {
				return err
			}
			return RunBot(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	normalizeFlags(fs)

	fs.StringVarP(&cfg.bot.addr, "addr", "a", "localhost:8000", "server address (env: TRACEBOX_ADDR)")
	fs.DurationVarP(&cfg.bot.interval, "interval", "i", 20*time.Millisecond, "delay between position updates (env: TRACEBOX_INTERVAL)")
	fs.StringVarP(&cfg.bot.name, "name", "n", "bot", "display name (env: TRACEBOX_NAME)")
	fs.BoolVar(&cfg.bot.once, "once", false, "disconnect after the first round instead of readying again (env: TRACEBOX_ONCE)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: TRACEBOX_VERBOSE)")

	bindEnv(v, fs)

	return cmd
}
