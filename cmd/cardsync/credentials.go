package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newCredentialsCmd() *cobra.Command {
	credsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage directory passwords kept in the OS keyring",
	}
	credsCmd.AddCommand(newCredentialsSetCmd(), newCredentialsRemoveCmd())
	return credsCmd
}

func newCredentialsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <directory>",
		Short: "Store the password of a directory, read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			if _, err := cfg.Directory(args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "password for %s: ", args[0])
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			secret := strings.TrimRight(line, "\r\n")
			if secret == "" {
				return errors.New("empty password")
			}

			creds, err := openCredentials(cfg)
			if err != nil {
				return err
			}
			if err := creds.Set(args[0], secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s password for %s\n", green("stored"), args[0])
			return nil
		},
	}
}

func newCredentialsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <directory>",
		Short: "Forget the stored password of a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := openCredentials(configFrom(cmd))
			if err != nil {
				return err
			}
			if err := creds.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s password for %s\n", red("removed"), args[0])
			return nil
		},
	}
}
