package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/appdir"
	"github.com/tetherhq/tether/internal/store"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage stored conversations",
}

func openConversationStore() (*store.Store, error) {
	dir, err := appdir.ConversationsDir()
	if err != nil {
		return nil, err
	}
	return store.NewStore(dir)
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openConversationStore()
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := st.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROVIDER\tDIRECTORY\tMESSAGES\tUPDATED")
		for _, meta := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				meta.ConversationID,
				meta.ProviderID,
				meta.WorkingDir,
				meta.MessageCount,
				meta.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openConversationStore()
		if err != nil {
			return err
		}
		defer st.Close()

		messages, err := st.ReadMessages(args[0])
		if err != nil {
			return err
		}
		for _, msg := range messages {
			printMessage(msg)
		}
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation and all its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openConversationStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
	rootCmd.AddCommand(conversationsCmd)
}
