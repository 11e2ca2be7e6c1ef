// Package cmd defines and implements the CLI commands for the mdwn executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skolhustick/mdwnio/internal/app"
	"github.com/skolhustick/mdwnio/internal/config"
	"github.com/skolhustick/mdwnio/internal/logging"
	"github.com/skolhustick/mdwnio/internal/mdwn"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the surface commands use, so tests can inject a fake.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() config.Config
	Handler() http.Handler
	Resolver() mdwn.Resolver
	RunSweeper(ctx context.Context)
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LoggerOptions())
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// session remembers the App built for the running command so Execute can
// close it even when the command fails.
type session struct {
	app App
}

func newRootCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mdwn",
		Short: "Fetch any web page as markdown.",
		Long: `mdwn serves web pages as markdown. Native markdown is passed through,
markdown pointers are followed once, and HTML articles are converted.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			s.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mdwn.yaml, /etc/mdwn/mdwn.yaml, or $HOME/.mdwn/mdwn.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFetchCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}

func closeApp(a App) error {
	timeout := a.Config().ShutdownTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := a.Close(ctx)
	// Sync reports EINVAL for stderr on some platforms; there is nothing to do about it.
	_ = a.Logger().Sync()
	if err != nil {
		return fmt.Errorf("close application: %w", err)
	}
	return nil
}

func run(args []string) error {
	s := &session{}
	root := newRootCmd(s)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if s.app != nil {
		err = errors.Join(err, closeApp(s.app))
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
