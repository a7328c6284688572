// Command shopfloord is the shop floor machine-monitoring daemon: it
// polls configured CNC machines over OPC UA, publishes a live snapshot,
// and derives shift, cycle, and program-analysis archives.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Atot4/shopfloor-monitor/internal/appconfig"
	"github.com/Atot4/shopfloor-monitor/internal/logging"
	"github.com/Atot4/shopfloor-monitor/internal/metrics"
	"github.com/Atot4/shopfloor-monitor/internal/storage"
	"github.com/Atot4/shopfloor-monitor/internal/supervisor"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "shopfloord",
		Short: "Shop floor machine-monitoring daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sup, db, err := buildSupervisor(configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			return sup.Run(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML config file")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(onceCmd(&configPath))
	cmd.AddCommand(renameProgramCmd(&configPath))
	return cmd
}

// buildSupervisor loads the config at path, opens the database it names,
// and wires the production dependency graph. Callers own the returned
// *storage.DB and must close it.
func buildSupervisor(path string) (*supervisor.Supervisor, *storage.DB, error) {
	cfg, err := appconfig.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	reg := metrics.New(prometheus.DefaultRegisterer)
	db.Metrics = reg

	return supervisor.New(cfg, db, reg), db, nil
}
