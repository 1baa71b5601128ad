package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/gitwatch"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/recipe"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the stack descriptor once and print it",
	Long: `Sync the watched repositories, run the recipe, and print the
canonical stack descriptor to stdout without deploying anything. Useful when
editing recipes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		skipSync, _ := cmd.Flags().GetBool("skip-sync")
		return renderStack(cmd, configPath, skipSync)
	},
}

func init() {
	renderCmd.Flags().StringP("config", "c", "config.yaml", "Path to the configuration file")
	renderCmd.Flags().Bool("skip-sync", false, "Render from existing working copies without syncing")
}

func renderStack(cmd *cobra.Command, configPath string, skipSync bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Keep stdout clean for the descriptor; logs go to stderr.
	log.Init(log.Config{Level: log.ParseLevel(cfg.Main.LogLevel), Output: os.Stderr})

	git, err := gitwatch.New(cfg.Main.WatchedGitRepositories, cfg.Main.SyncedViaTags, cfg.Main.BasePath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if !skipSync {
		if _, err := git.Sync(ctx); err != nil {
			return err
		}
	}

	runner := recipe.ShellRunner{Timeout: time.Duration(cfg.Main.CommandTimeout) * time.Second}
	renderer := recipe.New(cfg.Main.DockerStackRecipe, git, runner, cfg.Main.BasePath)

	out, err := renderer.Render(ctx)
	if err != nil {
		return err
	}

	_, err = cmd.OutOrStdout().Write(out.Bytes)
	return err
}
