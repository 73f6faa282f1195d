package main

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage persistent browser profiles",
	}
	cmd.AddCommand(newProfileCreateCmd(), newProfileListCmd(), newProfileDeleteCmd())
	return cmd
}

func newProfileCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [profile-id]",
		Short: "Create a browser profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			resp, err := client.CreateProfile(cmd.Context(), id)
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

func newProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List browser profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.ListProfiles(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			if len(resp.ProfileIDs) == 0 {
				fmt.Println(gray("no profiles"))
				return nil
			}
			for _, id := range resp.ProfileIDs {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newProfileDeleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <profile-id>",
		Short: "Delete a browser profile and its stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && isTTY() {
				if !confirm(fmt.Sprintf("Delete profile %s and all its stored state", args[0])) {
					fmt.Println(gray("aborted"))
					return nil
				}
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeleteProfile(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(green("profile deleted"))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func confirm(label string) bool {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	_, err := prompt.Run()
	return err == nil
}
