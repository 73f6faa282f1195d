package main

import (
	"fmt"

	"github.com/spf13/cobra"

	smooth "github.com/circlemind-ai/smooth-go"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and control existing tasks",
	}
	cmd.AddCommand(
		newTaskGetCmd(),
		newTaskWaitCmd(),
		newTaskInputCmd(),
		newTaskCancelCmd(),
		newTaskLiveCmd(),
		newTaskRecordingCmd(),
		newTaskDownloadsCmd(),
	)
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Fetch a task's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			resp, err := client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(resp)
		},
	}
}

func newTaskWaitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Wait for a task to finish and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			resp, err := client.Task(args[0]).Result(cmd.Context(), smooth.WithWaitTimeout(flagTimeout))
			if err != nil {
				return err
			}
			return printResult(resp)
		},
	}
}

func newTaskInputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "input <task-id> <text>",
		Short: "Send additional input to a running task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.UpdateTask(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println(green("input sent"))
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel and delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(green("task cancelled"))
			return nil
		},
	}
}

func newTaskLiveCmd() *cobra.Command {
	var interactive, embed bool
	cmd := &cobra.Command{
		Use:   "live <task-id>",
		Short: "Print a task's live view URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			url, err := client.Task(args[0]).LiveURL(cmd.Context(),
				smooth.WithWaitTimeout(flagTimeout),
				smooth.WithInteractive(interactive),
				smooth.WithEmbed(embed))
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
	cmd.Flags().BoolVar(&interactive, "interactive", true, "allow interacting with the browser")
	cmd.Flags().BoolVar(&embed, "embed", false, "strip the page chrome for embedding")
	return cmd
}

func newTaskRecordingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recording <task-id>",
		Short: "Print a task's recording URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			url, err := client.Task(args[0]).RecordingURL(cmd.Context(), smooth.WithWaitTimeout(flagTimeout))
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
}

func newTaskDownloadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "downloads <task-id>",
		Short: "Print the archive URL for files the task downloaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			url, err := client.Task(args[0]).DownloadsURL(cmd.Context(), smooth.WithWaitTimeout(flagTimeout))
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
}
