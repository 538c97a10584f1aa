package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind         string
	port         int
	publicURL    string
	writeTimeout time.Duration
	readTimeout  time.Duration
	pingInterval time.Duration
	maxMessage   int64
	corsOrigins  []string
	verbose      bool
}

func (c *Config) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.pingInterval >= c.readTimeout {
		return errors.New("--ping-interval must be shorter than --read-timeout")
	}
	return nil
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SWATCHIT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "swatchd",
		Short:         "Rendezvous relay for multi-device Swatch It! games.",
		Args:          cobra.ExactArgs(0),
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: SWATCHIT_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: SWATCHIT_PORT)")
	fs.StringVar(&cfg.publicURL, "public-url", "", "externally reachable base URL for join links (env: SWATCHIT_PUBLIC_URL)")
	fs.DurationVar(&cfg.writeTimeout, "write-timeout", 10*time.Second, "websocket write deadline (env: SWATCHIT_WRITE_TIMEOUT)")
	fs.DurationVar(&cfg.readTimeout, "read-timeout", 60*time.Second, "websocket pong deadline (env: SWATCHIT_READ_TIMEOUT)")
	fs.DurationVar(&cfg.pingInterval, "ping-interval", 30*time.Second, "websocket keepalive interval (env: SWATCHIT_PING_INTERVAL)")
	fs.Int64Var(&cfg.maxMessage, "max-message", 512*1024, "maximum relayed frame size in bytes (env: SWATCHIT_MAX_MESSAGE)")
	fs.StringSliceVar(&cfg.corsOrigins, "cors-origins", []string{"*"}, "allowed CORS origins for HTTP endpoints (env: SWATCHIT_CORS_ORIGINS)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "enable debug logging (env: SWATCHIT_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("swatchd v{{.Version}}\n")

	return cmd
}
