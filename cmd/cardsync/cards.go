package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/openmined/cardsync/internal/card"
	"github.com/openmined/cardsync/internal/cardsync"
	"github.com/spf13/cobra"
)

func newCardsCmd() *cobra.Command {
	cardsCmd := &cobra.Command{
		Use:   "cards",
		Short: "Inspect and edit the cards of a directory",
	}
	cardsCmd.AddCommand(
		newCardsListCmd(),
		newCardsShowCmd(),
		newCardsAddCmd(),
		newCardsSetNameCmd(),
		newCardsRemoveCmd(),
	)
	return cardsCmd
}

func newCardsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <directory>",
		Short: "List the cached cards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context(), configFrom(cmd), args[0])
			if err != nil {
				return err
			}
			defer reg.Close()

			d, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			cards, err := d.Store.GetAll()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UID\tNAME\tSIZE\tUPDATED\tSTATE")
			for _, c := range cards {
				state := "synced"
				if !c.IsSynced() {
					state = "pending"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					c.UID, c.DisplayName, humanize.Bytes(uint64(len(c.Payload))), humanize.Time(c.UpdatedAt), state)
			}
			return tw.Flush()
		},
	}
}

func newCardsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <directory> <uid>",
		Short: "Print the vCard of a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context(), configFrom(cmd), args[0])
			if err != nil {
				return err
			}
			defer reg.Close()

			d, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			c, err := d.Store.GetByUID(args[1])
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("%w: %s", cardsync.ErrCardNotFound, args[1])
			}
			_, err = cmd.OutOrStdout().Write(c.Payload)
			return err
		},
	}
}

func newCardsAddCmd() *cobra.Command {
	var (
		uid  string
		name string
		file string
	)

	addCmd := &cobra.Command{
		Use:   "add <directory>",
		Short: "Create a card from a name or a .vcf file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" && file == "" {
				return errors.New("one of --name or --file is required")
			}

			newCard := &card.Card{UID: uid, DisplayName: name}
			if file != "" {
				payload, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				newCard.Payload = payload
			}

			reg, err := openRegistry(cmd.Context(), configFrom(cmd), args[0])
			if err != nil {
				return err
			}
			defer reg.Close()

			d, err := reg.Get(args[0])
			if err != nil {
				return err
			}

			stored, err := d.Reconciler.PushLocalChange(cmd.Context(), cardsync.LocalChange{Kind: cardsync.ChangeCreate, Card: newCard})
			if errors.Is(err, cardsync.ErrQueued) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", cyan("queued"), stored.UID, gray("(server unreachable, pushed on next sync)"))
				return nil
			} else if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green("created"), stored.UID, gray(stored.Href))
			return nil
		},
	}

	addCmd.Flags().StringVar(&uid, "uid", "", "UID of the new card, generated when empty")
	addCmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	addCmd.Flags().StringVarP(&file, "file", "f", "", "vCard file to upload")
	return addCmd
}

func newCardsSetNameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-name <directory> <uid> <name>",
		Short: "Change the display name of a card",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context(), configFrom(cmd), args[0])
			if err != nil {
				return err
			}
			defer reg.Close()

			d, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			c, err := d.Store.GetByUID(args[1])
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("%w: %s", cardsync.ErrCardNotFound, args[1])
			}
			if err := c.SetDisplayName(args[2]); err != nil {
				return err
			}

			if _, err := d.Reconciler.PushLocalChange(cmd.Context(), cardsync.LocalChange{Kind: cardsync.ChangeUpdate, Card: c}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cyan("updated"), c.UID)
			return nil
		},
	}
}

func newCardsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <directory> <uid>",
		Aliases: []string{"remove"},
		Short:   "Delete a card here and on the server",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context(), configFrom(cmd), args[0])
			if err != nil {
				return err
			}
			defer reg.Close()

			d, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			if _, err := d.Reconciler.PushLocalChange(cmd.Context(), cardsync.LocalChange{Kind: cardsync.ChangeDelete, UID: args[1]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", red("deleted"), args[1])
			return nil
		},
	}
}
