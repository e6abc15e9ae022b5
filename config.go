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
	audioLeadIn    time.Duration
	bind           string
	buzzCountdown  time.Duration
	maxUploadSize  int64
	port           int
	prefix         string
	profile        bool
	resumeDelay    time.Duration
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	uploads        string
	verbose        bool
	version        bool
	writingTime    time.Duration
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxUploadSize < 1 {
		return fmt.Errorf("invalid max upload size: %d", c.maxUploadSize)
	}
	if c.buzzCountdown < time.Second {
		return fmt.Errorf("invalid buzz countdown (must be at least 1s): %s", c.buzzCountdown)
	}
	if c.writingTime < time.Second {
		return fmt.Errorf("invalid writing time (must be at least 1s): %s", c.writingTime)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("JULEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "julebox...",
		Short:         "An admin-driven multi-room christmas party game, served as a single webapp.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.DurationVar(&cfg.audioLeadIn, "audio-lead-in", 3*time.Second, "delay before Grandprix audio starts on all clients (env: JULEBOX_AUDIO_LEAD_IN)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: JULEBOX_BIND)")
	fs.DurationVar(&cfg.buzzCountdown, "buzz-countdown", 5*time.Second, "answer countdown shown after a Grandprix buzz (env: JULEBOX_BUZZ_COUNTDOWN)")
	fs.Int64Var(&cfg.maxUploadSize, "max-upload-size", 16<<20, "maximum accepted photo upload size, in bytes (env: JULEBOX_MAX_UPLOAD_SIZE)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: JULEBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: JULEBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: JULEBOX_PROFILE)")
	fs.DurationVar(&cfg.resumeDelay, "resume-delay", 2*time.Second, "delay before Grandprix audio resumes after a wrong answer (env: JULEBOX_RESUME_DELAY)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle game sessions are ended (env: JULEBOX_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: JULEBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: JULEBOX_TLS_KEY)")
	fs.StringVar(&cfg.uploads, "uploads", "uploads", "directory where uploaded photos are stored (env: JULEBOX_UPLOADS)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: JULEBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: JULEBOX_VERSION)")
	fs.DurationVar(&cfg.writingTime, "writing-time", 2*time.Minute, "length of the card-writing phase (env: JULEBOX_WRITING_TIME)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("julebox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
