package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/lotabots/internal/app"
	"github.com/ekisa-team/lotabots/internal/config"
	"github.com/ekisa-team/lotabots/internal/device"
	"github.com/ekisa-team/lotabots/internal/envvar"
	"github.com/ekisa-team/lotabots/internal/server"
	serverhttp "github.com/ekisa-team/lotabots/internal/server/http"
)

func newWatchCmd() *cobra.Command {
	var (
		af         appFlags
		configPath string
		host       string
		httpPort   int
		grpcPort   int
	)

	c := &cobra.Command{
		Use:   "watch",
		Short: "Run the jobs of a job file and run them again whenever it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := af.build()
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			token := os.Getenv(envvar.HFAPIToken)
			jobs := make(chan *config.Config, 1)

			watcher, err := config.NewWatcher(configPath, func(cfg *config.Config, err error) {
				if err != nil {
					slog.Error("Failed to reload config", "error", err)
					return
				}
				queue(jobs, cfg)
			})
			if err != nil {
				return err
			}
			defer watcher.Close()

			slog.Info("Config loaded successfully", "config", configPath)
			slog.Info("Host devices", "report", device.NewDetector().Report().String())
			queue(jobs, watcher.Snapshot())

			go runJobs(ctx, a, jobs, token)

			srv := server.New(server.Config{
				HTTPAddr: net.JoinHostPort(host, strconv.Itoa(httpPort)),
				GRPCAddr: net.JoinHostPort(host, strconv.Itoa(grpcPort)),
			}, serverhttp.NewRouter(a.Tracker(), a.Metrics().Handler()))

			return srv.Run(ctx)
		},
	}

	af.register(c)

	fs := c.Flags()
	fs.StringVarP(&configPath, "config", "c", filepath.Join(config.DefaultConfigPath(), "jobs.yaml"), "Path to job file")
	fs.StringVar(&host, "host", "127.0.0.1", "Address to listen on")
	fs.IntVar(&httpPort, "http-port", config.DefaultHTTPPort(), "HTTP port to listen on")
	fs.IntVar(&grpcPort, "grpc-port", config.DefaultGRPCPort(), "GRPC port to listen on")

	return c
}

// queue replaces any job file still waiting to run with cfg.
func queue(jobs chan *config.Config, cfg *config.Config) {
	select {
	case <-jobs:
	default:
	}
	select {
	case jobs <- cfg:
	default:
	}
}

func runJobs(ctx context.Context, a *app.App, jobs <-chan *config.Config, token string) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-jobs:
			if err := a.LoadJobs(ctx, cfg, token); err != nil {
				slog.Error("Failed to run jobs from config", "error", err)
				continue
			}
			slog.Info("Jobs completed", "jobs", len(cfg.Jobs))
		}
	}
}
