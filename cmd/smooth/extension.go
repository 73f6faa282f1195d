package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newExtensionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extension",
		Short: "Manage browser extensions",
	}
	cmd.AddCommand(newExtensionUploadCmd(), newExtensionListCmd(), newExtensionDeleteCmd())
	return cmd
}

func newExtensionUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a packed extension and print its id",
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

			resp, err := client.UploadExtension(cmd.Context(), filepath.Base(args[0]), f)
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
}

func newExtensionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List uploaded extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.ListExtensions(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			if len(resp.Extensions) == 0 {
				fmt.Println(gray("no extensions"))
				return nil
			}
			for _, ext := range resp.Extensions {
				if ext.Name != "" {
					fmt.Printf("%s\t%s\n", ext.ID, gray(ext.Name))
					continue
				}
				fmt.Println(ext.ID)
			}
			return nil
		},
	}
}

func newExtensionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <extension-id>",
		Short: "Delete an uploaded extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeleteExtension(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(green("extension deleted"))
			return nil
		},
	}
}
