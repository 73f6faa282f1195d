package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	smooth "github.com/circlemind-ai/smooth-go"
	"github.com/circlemind-ai/smooth-go/internal/frp"
	"github.com/circlemind-ai/smooth-go/internal/logging"
)

func newProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run a local tunnel for self-proxied sessions",
	}
	cmd.AddCommand(newProxyStartCmd())
	return cmd
}

func newProxyStartCmd() *cobra.Command {
	var (
		server      string
		token       string
		taskID      string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a tunnel against a running self-proxied task",
		Long: "Start a local tunnel so a task submitted with --proxy self routes\n" +
			"its browser traffic through this machine. The tunnel endpoint is\n" +
			"resolved from the task's live URL unless --server is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if server == "" {
				if taskID == "" {
					return fmt.Errorf("either --server or --task is required")
				}
				client, err := newClient()
				if err != nil {
					return err
				}
				defer client.Close()
				liveURL, err := client.Task(taskID).LiveURL(ctx, smooth.WithWaitTimeout(flagTimeout))
				if err != nil {
					return err
				}
				server, err = frp.ServerFromLiveURL(liveURL)
				if err != nil {
					return err
				}
			}
			if token == "" {
				return fmt.Errorf("--token is required (the task's proxy password)")
			}

			var logger logging.Logger
			if flagVerbose {
				logger = logging.NewWriter(os.Stderr, "proxy")
			}
			tunnel := frp.NewTunnel(frp.Config{
				ServerAddr: server,
				Token:      token,
				TunnelID:   tunnelName(taskID),
			}, logger)
			if err := tunnel.Start(ctx); err != nil {
				return err
			}
			defer tunnel.Stop()
			fmt.Printf("%s %s\n", green("tunnel up"), gray(server))

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, tunnel)
			}

			<-ctx.Done()
			fmt.Println(gray("shutting down"))
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&server, "server", "", "tunnel server address (resolved from --task when omitted)")
	fs.StringVar(&token, "token", "", "tunnel auth token")
	fs.StringVar(&taskID, "task", "", "self-proxied task id to resolve the server from")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func tunnelName(taskID string) string {
	if taskID != "" {
		return taskID
	}
	return fmt.Sprintf("cli-%d", time.Now().Unix())
}

// serveMetrics exposes tunnel liveness on /metrics for operators running
// long-lived proxies under supervision.
func serveMetrics(addr string, tunnel *frp.Tunnel) {
	reg := prometheus.NewRegistry()
	up := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "smooth_proxy_tunnel_up",
		Help: "Whether the frp tunnel process is running.",
	}, func() float64 {
		if tunnel.Running() {
			return 1
		}
		return 0
	})
	reg.MustRegister(up)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, errorLine("metrics server: "+err.Error()))
	}
}
