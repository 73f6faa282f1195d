package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	smooth "github.com/circlemind-ai/smooth-go"
	"github.com/circlemind-ai/smooth-go/internal/logging"
)

var (
	flagAPIKey  string
	flagBaseURL string
	flagJSON    bool
	flagNoColor bool
	flagVerbose bool
	flagTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "smooth",
		Short: "Run browser automation tasks in the cloud",
		Long: "smooth drives remote cloud browsers: submit tasks, open interactive\n" +
			"sessions, manage profiles, files and extensions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagNoColor {
				disableColors()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagAPIKey, "api-key", "", "API key (defaults to CIRCLEMIND_API_KEY)")
	pf.StringVar(&flagBaseURL, "base-url", "", "API base URL override")
	pf.BoolVar(&flagJSON, "json", false, "emit machine-readable JSON output")
	pf.BoolVar(&flagNoColor, "no-color", false, "disable colored output")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "log SDK diagnostics to stderr")
	pf.DurationVar(&flagTimeout, "timeout", 5*time.Minute, "how long to wait for task completion")

	initConfig()
	_ = viper.BindPFlag("api_key", pf.Lookup("api-key"))
	_ = viper.BindPFlag("base_url", pf.Lookup("base-url"))

	root.AddCommand(
		newRunCmd(),
		newTaskCmd(),
		newSessionCmd(),
		newProfileCmd(),
		newFileCmd(),
		newExtensionCmd(),
		newProxyCmd(),
		newVersionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if flagJSON {
			_ = printJSON(map[string]any{"success": false, "error": err.Error()})
		} else {
			fmt.Fprintln(os.Stderr, errorLine(err.Error()))
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetConfigName("smooth")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.smooth")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("SMOOTH")
	viper.AutomaticEnv()
	// A missing config file is fine; flags and env cover everything.
	_ = viper.ReadInConfig()
}

func newClient() (*smooth.Client, error) {
	opts := []smooth.Option{}
	if key := viper.GetString("api_key"); key != "" {
		opts = append(opts, smooth.WithAPIKey(key))
	}
	if base := viper.GetString("base_url"); base != "" {
		opts = append(opts, smooth.WithBaseURL(base))
	}
	if flagVerbose {
		opts = append(opts, smooth.WithLogger(logging.NewWriter(os.Stderr, "smooth")))
	}
	return smooth.New(opts...)
}
