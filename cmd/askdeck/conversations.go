package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/askdeck/askdeck/pkg/directory"
	"github.com/askdeck/askdeck/pkg/store"
)

func newConversationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List stored conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlStore, err := store.NewSQLiteStore(viper.GetString("db"))
			if err != nil {
				return err
			}
			defer func() {
				if err := sqlStore.Close(); err != nil {
					log.Warn().Err(err).Msg("failed to close store")
				}
			}()

			conversations, err := sqlStore.List(cmd.Context(), viper.GetString("tenant"))
			if err != nil {
				return err
			}
			printConversations(os.Stdout, conversations, "")
			return nil
		},
	}
}

func printConversations(w io.Writer, conversations []directory.Conversation, activeID string) {
	if len(conversations) == 0 {
		fmt.Fprintln(w, "no conversations")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tUPDATED")
	for _, c := range conversations {
		marker := ""
		if c.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%d\t%s\n", marker, c.ID, c.Title, c.MessageCount, c.UpdatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}
