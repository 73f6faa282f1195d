package main

import (
	"fmt"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	smooth "github.com/circlemind-ai/smooth-go"
	"github.com/circlemind-ai/smooth-go/internal/registry"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open and manage long-lived browser sessions",
	}
	cmd.AddCommand(
		newSessionStartCmd(),
		newSessionListCmd(),
		newSessionRunCmd(),
		newSessionCloseCmd(),
	)
	return cmd
}

func newSessionStartCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a browser session and print its live URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			opts, err := runOptionsFromFlags(f)
			if err != nil {
				return err
			}
			session, err := client.Session(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			liveURL, err := session.LiveURL(cmd.Context(), smooth.WithWaitTimeout(flagTimeout))
			if err != nil {
				return err
			}

			reg, err := registry.Default()
			if err != nil {
				return err
			}
			if err := reg.Add(registry.Session{
				ID:        session.ID(),
				Device:    f.device,
				LiveURL:   liveURL,
				StartedAt: time.Now(),
			}); err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]string{"session_id": session.ID(), "live_url": liveURL})
			}
			fmt.Printf("%s %s\n", bold("session"), session.ID())
			fmt.Printf("%s %s\n", bold("live"), liveURL)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.device, "device", "desktop", "emulated device (desktop or mobile)")
	fs.StringVar(&f.profile, "profile", "", "browser profile id to run against")
	fs.BoolVar(&f.profileRO, "profile-read-only", false, "do not persist profile changes")
	fs.StringVar(&f.proxy, "proxy", "", "proxy server, or \"self\" to tunnel through this machine")
	fs.StringVar(&f.proxyUser, "proxy-username", "", "proxy username")
	fs.StringVar(&f.proxyPassword, "proxy-password", "", "proxy password")
	fs.StringSliceVar(&f.extensions, "extension", nil, "extension ids to load")
	fs.BoolVar(&f.noRecording, "no-recording", false, "disable session recording")
	fs.BoolVar(&f.stealth, "stealth", false, "enable stealth mode")
	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions started from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.Default()
			if err != nil {
				return err
			}
			sessions, err := reg.List()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println(gray("no sessions"))
				return nil
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			// The registry can hold sessions long gone on the server; fetch
			// live statuses in parallel and prune terminal entries.
			statuses := make([]smooth.TaskStatus, len(sessions))
			var mu sync.Mutex
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(8)
			for i, s := range sessions {
				i, s := i, s
				g.Go(func() error {
					resp, err := client.GetTask(ctx, s.ID)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						statuses[i] = "unknown"
						return nil
					}
					statuses[i] = resp.Status
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if flagJSON {
				type row struct {
					ID      string            `json:"id"`
					Status  smooth.TaskStatus `json:"status"`
					Device  string            `json:"device,omitempty"`
					LiveURL string            `json:"live_url,omitempty"`
					Started time.Time         `json:"started_at"`
				}
				rows := make([]row, len(sessions))
				for i, s := range sessions {
					rows[i] = row{ID: s.ID, Status: statuses[i], Device: s.Device, LiveURL: s.LiveURL, Started: s.StartedAt}
				}
				return printJSON(rows)
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tDEVICE\tSTARTED")
			for i, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, statusBadge(statuses[i]), s.Device, s.StartedAt.Format(time.RFC3339))
				if statuses[i].Terminal() {
					_ = reg.Remove(s.ID)
				}
			}
			return tw.Flush()
		},
	}
}

func newSessionRunCmd() *cobra.Command {
	var maxSteps int
	var url string
	cmd := &cobra.Command{
		Use:   "run <session-id> <task>",
		Short: "Run a task inside an open session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			session := client.AttachSession(args[0])
			opts := []smooth.SessionTaskOption{smooth.WithTaskMaxSteps(maxSteps)}
			if url != "" {
				opts = append(opts, smooth.WithTaskURL(url))
			}
			out, err := session.RunTask(cmd.Context(), args[1], opts...)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"output": out})
			}
			if text, ok := out.(string); ok {
				fmt.Print(renderMarkdown(text))
				return nil
			}
			return printJSON(out)
		},
	}
	cmd.Flags().IntVar(&maxSteps, "max-steps", 32, "maximum agent steps")
	cmd.Flags().StringVar(&url, "url", "", "page to start from")
	return cmd
}

func newSessionCloseCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close an open session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			session := client.AttachSession(args[0])
			if err := session.Close(cmd.Context(), force); err != nil {
				return err
			}
			reg, err := registry.Default()
			if err == nil {
				_ = reg.Remove(args[0])
			}
			fmt.Println(green("session closed"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete the session instead of closing it gracefully")
	return cmd
}
