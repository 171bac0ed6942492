package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/roost-dev/roost/internal/config"
	"github.com/roost-dev/roost/internal/handlers"
	"github.com/roost-dev/roost/internal/logger"
	"github.com/roost-dev/roost/internal/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Run the agent",
	Long: `Start the agent: one upgradeable HTTP listener for management,
extension host and tunnel connections, plus the webview asset listener.`,
	RunE: runServe,
}

var (
	configPath         string
	servePort          int
	serveWebviewPort   int
	serveToken         string
	serveTokenFile     string
	serveCommit        string
	serveAssets        string
	serveWebviewAssets string
	serveAutoShutdown  bool
	serveDev           bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port for the agent listener")
	serveCmd.Flags().IntVar(&serveWebviewPort, "webview-port", 0, "Port for the webview listener")
	serveCmd.Flags().StringVar(&serveToken, "connection-token", "", "Connection token clients must present")
	serveCmd.Flags().StringVar(&serveTokenFile, "connection-token-file", "", "File holding the connection token")
	serveCmd.Flags().StringVar(&serveCommit, "commit", "", "Build commit advertised to clients")
	serveCmd.Flags().StringVar(&serveAssets, "assets", "", "Directory with built workbench UI assets")
	serveCmd.Flags().StringVar(&serveWebviewAssets, "webview-assets", "", "Directory with webview assets")
	serveCmd.Flags().BoolVar(&serveAutoShutdown, "enable-remote-auto-shutdown", false, "Exit after a grace period with no extension hosts")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Development mode")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)

	if err := cfg.ApplyEnvironment(); err != nil {
		return err
	}

	pretty := cfg.Dev && term.IsTerminal(int(os.Stderr.Fd()))
	logger.Configure(logger.GetLogLevelFromEnv(cfg.Dev), pretty)
	log := logger.Component("agent")

	generated, err := cfg.EnsureConnectionToken()
	if err != nil {
		return err
	}
	if generated {
		log.Info().Msg("🔑 Generated a random connection token")
	}

	services.CleanUpSessionLogs(cfg.SessionLogRoot, cfg.KeepSessionLogs, log)

	reg := services.NewRegistry()

	var apps []*fiber.App
	shutdownApps := func() {
		for _, a := range apps {
			_ = a.Shutdown()
		}
	}
	idle := services.NewIdleSupervisor(cfg.EnableRemoteAutoShutdown, reg.ExtensionHostCount, shutdownApps, log)
	reg.ObserveExtensionHosts(idle.ExtensionHostOpened, idle.ExtensionHostClosed)

	dispatcher := services.NewDispatcher(cfg, reg, nil, nil, log)

	app := handlers.NewApp(cfg, idle, dispatcher.Accept, log)
	webview := handlers.NewWebviewApp(cfg, log)
	apps = append(apps, app, webview)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stable startup lines; supervisor tooling scrapes stdout for these.
	fmt.Printf("Extension host agent listening on %d\n", cfg.Port)
	fmt.Printf("webview server listening on %d\n", cfg.WebviewPort)
	if cfg.HasBuiltUI() {
		fmt.Printf("Web UI available at %s\n", webUIAddress(cfg))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.Port))
	})
	g.Go(func() error {
		return webview.Listen(fmt.Sprintf(":%d", cfg.WebviewPort))
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownApps()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// webUIAddress formats the workbench URL, omitting the default HTTP port.
func webUIAddress(cfg *config.Config) string {
	if cfg.Port == 80 {
		return fmt.Sprintf("http://localhost/#tkn=%s", cfg.ConnectionToken)
	}
	return fmt.Sprintf("http://localhost:%d/#tkn=%s", cfg.Port, cfg.ConnectionToken)
}

// applyFlagOverrides lets explicit flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
		if !cmd.Flags().Changed("webview-port") {
			cfg.WebviewPort = servePort + 1
		}
	}
	if cmd.Flags().Changed("webview-port") {
		cfg.WebviewPort = serveWebviewPort
	}
	if cmd.Flags().Changed("connection-token") {
		cfg.ConnectionToken = serveToken
	}
	if cmd.Flags().Changed("connection-token-file") {
		cfg.ConnectionTokenFile = serveTokenFile
	}
	if cmd.Flags().Changed("commit") {
		cfg.Commit = serveCommit
	}
	if cmd.Flags().Changed("assets") {
		cfg.AssetsDir = serveAssets
	}
	if cmd.Flags().Changed("webview-assets") {
		cfg.WebviewAssetsDir = serveWebviewAssets
	}
	if cmd.Flags().Changed("enable-remote-auto-shutdown") {
		cfg.EnableRemoteAutoShutdown = serveAutoShutdown
	}
	if cmd.Flags().Changed("dev") {
		cfg.Dev = serveDev
	}
}
