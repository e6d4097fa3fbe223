// Package cmd defines the ingestor command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/api"
	"github.com/JakeFAU/rag-ingestor/internal/config"
	"github.com/JakeFAU/rag-ingestor/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the wired service.
type App interface {
	Ingestor() api.Ingestor
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. Tests swap it for a fake.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// newRootCmd builds the command tree. The App built before a subcommand
// runs is handed to track so the caller can close it.
func newRootCmd(track func(App)) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "ingestor",
		Short: "Scrape, crawl and upload content into a RAG knowledge base.",
		Long: `ingestor turns websites and uploaded documents into sanitized, chunked
text in object storage and asks the knowledge-base backend to reindex it.
Run "ingestor serve" for the HTTP API or use the one-shot commands.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			track(appInstance)
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (yaml, json or toml); INGESTOR_* variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newDiscoverCmd(),
		newScrapeCmd(),
	)
	return cmd
}

// run executes args and closes whatever App the command built.
func run(ctx context.Context, args []string, out io.Writer) error {
	var built App
	root := newRootCmd(func(a App) { built = a })
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	if built != nil {
		if cerr := built.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", cerr))
		}
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		zap.L().Fatal("command execution failed", zap.Error(err))
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
