package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newFileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Manage files tasks can use",
	}
	cmd.AddCommand(newFileUploadCmd(), newFileDeleteCmd())
	return cmd
}

func newFileUploadCmd() *cobra.Command {
	var purpose string
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.UploadFile(cmd.Context(), filepath.Base(args[0]), purpose, f)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			fmt.Println(resp.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&purpose, "purpose", "task", "what the file is for (task or certificate)")
	return cmd
}

func newFileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <file-id>",
		Short: "Delete an uploaded file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeleteFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(green("file deleted"))
			return nil
		},
	}
}
