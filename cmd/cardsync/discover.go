package main

import (
	"fmt"
	"os"

	"github.com/openmined/cardsync/internal/remote/carddav"
	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	var opts carddav.Options

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "List the address books of a CardDAV account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Password == "" {
				opts.Password = os.Getenv("CARDSYNC_PASSWORD")
			}
			opts.Timeout = configFrom(cmd).RequestTimeout

			books, err := carddav.Discover(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no address books found"))
				return nil
			}
			for _, b := range books {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", cyan(b.Name), b.URL)
			}
			return nil
		},
	}

	discoverCmd.Flags().StringVar(&opts.URL, "url", "", "server url, e.g. https://dav.example.com/")
	discoverCmd.Flags().StringVarP(&opts.Username, "username", "u", "", "account user name")
	discoverCmd.Flags().StringVarP(&opts.Password, "password", "p", "", "account password (or CARDSYNC_PASSWORD)")
	discoverCmd.MarkFlagRequired("url")
	return discoverCmd
}
