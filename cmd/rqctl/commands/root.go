package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hyperq/librq/internal/logger"
	"github.com/hyperq/librq/pkg/config"
	"github.com/hyperq/librq/pkg/metrics"
	rqprom "github.com/hyperq/librq/pkg/metrics/prometheus"
	"github.com/hyperq/librq/pkg/rq"
)

var (
	cfgFile     string
	controllers []string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "rqctl",
	Short:         "Send to and consume from RQ message queues",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init must run before any config exists.
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if len(controllers) > 0 {
			cfg.Controllers = controllers
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		}); err != nil {
			return err
		}

		if cfg.Metrics.Enabled {
			reg := metrics.InitRegistry()
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
					logger.Error("metrics listener failed", "listen", cfg.Metrics.Listen, "error", err)
				}
			}()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringSliceVar(&controllers, "controller", nil,
		"controller endpoint, repeatable; overrides the config file")
}

// Execute runs the rqctl command tree.
func Execute(version, commit string) error {
	versionCmd.Short = fmt.Sprintf("Show version (%s, %s)", version, commit)
	buildVersion, buildCommit = version, commit

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// newClient builds a client from the loaded configuration and registers all
// configured controllers.
func newClient() (*rq.Client, error) {
	opts := cfg.ClientOptions()
	opts.Metrics = rqprom.NewClientMetrics()

	client := rq.New(opts)
	for _, host := range cfg.Controllers {
		if err := client.AddController(host); err != nil {
			return nil, fmt.Errorf("add controller %q: %w", host, err)
		}
	}
	return client, nil
}
