package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/shepherd/pkg/api"
	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/gitwatch"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/notify"
	"github.com/cuemby/shepherd/pkg/portainer"
	"github.com/cuemby/shepherd/pkg/recipe"
	"github.com/cuemby/shepherd/pkg/reconciler"
	"github.com/cuemby/shepherd/pkg/registry"
)

const (
	dependencyWaitAttempts = 10
	dependencyWaitDelay    = 2 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the deployment controller",
	Long: `Run the reconciliation loop and the HTTP surface until a SIGINT or
SIGTERM arrives. Exits non-zero on unrecoverable startup failure (bad
configuration, missing environment variable, port in use).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		return runController(configPath, jsonLogs)
	},
}

func init() {
	runCmd.Flags().StringP("config", "c", "config.yaml", "Path to the configuration file")
	runCmd.Flags().Bool("json-logs", false, "Emit JSON logs instead of console output")
}

func runController(configPath string, jsonLogs bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Main.LogLevel),
		JSONOutput: jsonLogs,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("config", configPath).Msg("starting shepherd")

	httpTimeout := time.Duration(cfg.Main.HTTPTimeout) * time.Second

	git, err := gitwatch.New(cfg.Main.WatchedGitRepositories, cfg.Main.SyncedViaTags, cfg.Main.BasePath)
	if err != nil {
		return err
	}

	images := registry.New(cfg.Main.DockerPrivateRegistries, httpTimeout)

	runner := recipe.ShellRunner{Timeout: time.Duration(cfg.Main.CommandTimeout) * time.Second}
	renderer := recipe.New(cfg.Main.DockerStackRecipe, git, runner, cfg.Main.BasePath)

	var orchestrators []reconciler.Orchestrator
	var clients []*portainer.Client
	for _, pc := range cfg.Main.Portainer {
		client, err := portainer.NewClient(pc, httpTimeout)
		if err != nil {
			return err
		}
		clients = append(clients, client)
		orchestrators = append(orchestrators, client)
	}

	notifier := notify.New(cfg.Main.Notifications, httpTimeout)

	rec := reconciler.New(git, images, renderer, orchestrators, notifier, reconciler.Options{
		PollingInterval: time.Duration(cfg.Main.PollingInterval) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fail fast if the bind address is taken, before waiting on dependencies.
	addr := net.JoinHostPort(cfg.Main.Host, fmt.Sprint(cfg.Main.Port))
	probe, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	probe.Close()
	server := api.NewServer(rec, Version, cfg.Rest.Version, cfg.Rest.Location)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(addr); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	logger.Info().Str("addr", addr).Msg("http surface listening")

	if err := waitForPortainer(ctx, clients, logger); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	select {
	case err := <-errCh:
		stop()
		<-done
		return err
	case <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown failed")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// waitForPortainer retries authentication against every instance until all
// answer or the attempts are exhausted. Orchestrators commonly start at the
// same time as the controller.
func waitForPortainer(ctx context.Context, clients []*portainer.Client, logger zerolog.Logger) error {
	for _, client := range clients {
		var err error
		for attempt := 1; attempt <= dependencyWaitAttempts; attempt++ {
			if err = client.Authenticate(ctx); err == nil {
				logger.Info().Str("stack", client.StackName()).Msg("portainer ready")
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("portainer not ready")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(dependencyWaitDelay):
			}
		}
		if err != nil {
			return fmt.Errorf("portainer for stack %s not ready after %d attempts: %w",
				client.StackName(), dependencyWaitAttempts, err)
		}
	}
	return nil
}
