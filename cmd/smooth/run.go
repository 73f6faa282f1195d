package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	smooth "github.com/circlemind-ai/smooth-go"
)

type runFlags struct {
	url           string
	maxSteps      int
	device        string
	profile       string
	profileRO     bool
	proxy         string
	proxyUser     string
	proxyPassword string
	responseModel string
	metadata      []string
	extensions    []string
	files         []string
	noRecording   bool
	stealth       bool
	watch         bool
	detach        bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Submit a task and wait for its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), strings.Join(args, " "), f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.url, "url", "", "page to start from")
	fs.IntVar(&f.maxSteps, "max-steps", 32, "maximum agent steps")
	fs.StringVar(&f.device, "device", "desktop", "emulated device (desktop or mobile)")
	fs.StringVar(&f.profile, "profile", "", "browser profile id to run against")
	fs.BoolVar(&f.profileRO, "profile-read-only", false, "do not persist profile changes")
	fs.StringVar(&f.proxy, "proxy", "", "proxy server, or \"self\" to tunnel through this machine")
	fs.StringVar(&f.proxyUser, "proxy-username", "", "proxy username")
	fs.StringVar(&f.proxyPassword, "proxy-password", "", "proxy password")
	fs.StringVar(&f.responseModel, "response-model", "", "JSON schema for structured output (inline or @file)")
	fs.StringArrayVar(&f.metadata, "metadata", nil, "metadata entries as key=value")
	fs.StringSliceVar(&f.extensions, "extension", nil, "extension ids to load")
	fs.StringSliceVar(&f.files, "file", nil, "uploaded file ids to expose to the task")
	fs.BoolVar(&f.noRecording, "no-recording", false, "disable session recording")
	fs.BoolVar(&f.stealth, "stealth", false, "enable stealth mode")
	fs.BoolVar(&f.watch, "watch", false, "stream status changes while waiting")
	fs.BoolVar(&f.detach, "detach", false, "submit and print the task id without waiting")
	return cmd
}

func runOptionsFromFlags(f runFlags) ([]smooth.RunOption, error) {
	opts := []smooth.RunOption{
		smooth.WithMaxSteps(f.maxSteps),
		smooth.WithDevice(smooth.Device(f.device)),
		smooth.WithRecording(!f.noRecording),
	}
	if f.url != "" {
		opts = append(opts, smooth.WithURL(f.url))
	}
	if f.profile != "" {
		opts = append(opts, smooth.WithProfile(f.profile, f.profileRO))
	}
	if f.proxy != "" {
		opts = append(opts, smooth.WithProxy(f.proxy, f.proxyUser, f.proxyPassword))
	}
	if f.stealth {
		opts = append(opts, smooth.WithStealth(true))
	}
	if len(f.extensions) > 0 {
		opts = append(opts, smooth.WithExtensions(f.extensions...))
	}
	if len(f.files) > 0 {
		opts = append(opts, smooth.WithFiles(f.files...))
	}
	if f.responseModel != "" {
		schema, err := loadJSONArg(f.responseModel)
		if err != nil {
			return nil, fmt.Errorf("response model: %w", err)
		}
		opts = append(opts, smooth.WithResponseModel(schema))
	}
	if len(f.metadata) > 0 {
		md := make(map[string]any, len(f.metadata))
		for _, kv := range f.metadata {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("metadata entry %q is not key=value", kv)
			}
			md[k] = v
		}
		opts = append(opts, smooth.WithMetadata(md))
	}
	return opts, nil
}

// loadJSONArg parses an inline JSON object, or the contents of a file when
// the argument starts with @.
func loadJSONArg(arg string) (map[string]any, error) {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		raw, err = os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func runTask(ctx context.Context, task string, f runFlags) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	opts, err := runOptionsFromFlags(f)
	if err != nil {
		return err
	}
	handle, err := client.Run(ctx, task, opts...)
	if err != nil {
		return err
	}
	if f.detach {
		if flagJSON {
			return printJSON(map[string]string{"task_id": handle.ID()})
		}
		fmt.Println(handle.ID())
		return nil
	}
	if !flagJSON {
		fmt.Fprintf(os.Stderr, "%s %s\n", gray("submitted"), handle.ID())
	}
	if f.watch {
		go watchStatus(ctx, handle)
	}
	resp, err := handle.Result(ctx, smooth.WithWaitTimeout(flagTimeout))
	if err != nil {
		return err
	}
	if err := printResult(resp); err != nil {
		return err
	}
	if resp.Status == smooth.StatusFailed {
		return fmt.Errorf("task %s failed", handle.ID())
	}
	return nil
}

// watchStatus prints status transitions to stderr while the main goroutine
// waits for the result.
func watchStatus(ctx context.Context, handle *smooth.TaskHandle) {
	last := smooth.TaskStatus("")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s := handle.Status()
		if s != "" && s != last {
			fmt.Fprintf(os.Stderr, "%s %s\n", gray(time.Now().Format("15:04:05")), statusBadge(s))
			last = s
		}
		if s.Terminal() {
			return
		}
	}
}
