package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/cardsync/internal/cardsync"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [directory...]",
		Short: "Run one sync pass for the given directories, or all of them",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context(), configFrom(cmd), args...)
			if err != nil {
				return err
			}
			defer reg.Close()

			results, syncErr := reg.SyncAll(cmd.Context())

			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				printSyncResult(cmd.OutOrStdout(), results[name])
			}
			return syncErr
		},
	}
}

func printSyncResult(w io.Writer, r *cardsync.SyncResult) {
	header := fmt.Sprintf("%s: %d created, %d updated, %d deleted, %d unchanged",
		r.Directory, len(r.Created), len(r.Updated), len(r.Deleted), r.Unchanged)
	if r.Bootstrap {
		header += " (initial sync)"
	}
	fmt.Fprintf(w, "%s %s\n", cyan(header), gray("in "+humanize.FtoaWithDigits(r.Duration.Seconds(), 2)+"s"))

	printUIDs(w, green("+"), r.Created)
	printUIDs(w, cyan("~"), r.Updated)
	printUIDs(w, red("-"), r.Deleted)

	if len(r.Pushed) > 0 {
		fmt.Fprintf(w, "  pushed %s\n", strings.Join(r.Pushed, ", "))
	}
	if r.Pending > 0 {
		fmt.Fprintf(w, "  %s still waiting for the server\n", humanize.Comma(int64(r.Pending)))
	}
	for _, href := range r.Malformed {
		fmt.Fprintf(w, "  %s %s\n", red("malformed"), href)
	}
	for _, href := range r.Duplicates {
		fmt.Fprintf(w, "  %s %s\n", red("duplicate uid"), href)
	}
	hrefs := make([]string, 0, len(r.Failed))
	for href := range r.Failed {
		hrefs = append(hrefs, href)
	}
	sort.Strings(hrefs)
	for _, href := range hrefs {
		fmt.Fprintf(w, "  %s %s: %s\n", red("failed"), href, r.Failed[href])
	}
}

func printUIDs(w io.Writer, marker string, uids []string) {
	sorted := append([]string(nil), uids...)
	sort.Strings(sorted)
	for _, uid := range sorted {
		fmt.Fprintf(w, "  %s %s\n", marker, uid)
	}
}
