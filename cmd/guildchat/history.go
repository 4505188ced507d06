package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/questly/guildchat"
)

var (
	historyPages int
	historyJSON  bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyPages, "pages", "p", 1, "Number of pages to fetch per group")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <group-id>...",
	Short: "Print the message history of one or more groups",
	Long:  "Page through group history newest first. Several groups are fetched concurrently.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupIDs := make([]int64, len(args))
		for i, arg := range args {
			id, err := parseGroupID(arg)
			if err != nil {
				return err
			}
			groupIDs[i] = id
		}

		logger := newLogger()
		defer logger.Sync()

		client, err := newClient(logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		results := make([][]guildchat.Message, len(groupIDs))
		g, gctx := errgroup.WithContext(ctx)
		for i, id := range groupIDs {
			g.Go(func() error {
				msgs, err := fetchHistory(gctx, client.Groups(), id, historyPages)
				results[i] = msgs
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			out := make([]groupHistory, len(groupIDs))
			for i, id := range groupIDs {
				out[i] = groupHistory{GroupID: id, Messages: results[i]}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		for i, id := range groupIDs {
			if len(groupIDs) > 1 {
				fmt.Printf("== group %d ==\n", id)
			}
			if len(results[i]) == 0 {
				fmt.Println("No messages found.")
				continue
			}
			// Oldest first, like a chat window.
			for j := len(results[i]) - 1; j >= 0; j-- {
				fmt.Println(formatMessage(results[i][j]))
			}
		}
		return nil
	},
}

type groupHistory struct {
	GroupID  int64               `json:"group_id"`
	Messages []guildchat.Message `json:"messages"`
}

// fetchHistory loads up to pages pages of a group's history into one ordered
// list, newest first. It stops early on the last page or a repeated cursor.
func fetchHistory(ctx context.Context, loader guildchat.HistoryLoader, groupID int64, pages int) ([]guildchat.Message, error) {
	store := guildchat.NewMessageStore()

	page, err := loader.FirstPage(ctx, groupID)
	if err != nil {
		return nil, err
	}
	store.MergeOlderPage(page.Items)

	seen := map[string]bool{}
	for n := 1; n < pages && page.Cursor != "" && !seen[page.Cursor]; n++ {
		seen[page.Cursor] = true
		page, err = loader.NextPage(ctx, groupID, page.Cursor)
		if err != nil {
			return nil, err
		}
		store.MergeOlderPage(page.Items)
	}
	return store.Messages(), nil
}

func formatMessage(m guildchat.Message) string {
	name := m.SenderDisplayName
	if name == "" {
		name = fmt.Sprintf("user %d", m.SenderID)
	}
	return fmt.Sprintf("[%s] %s: %s  (#%s)", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), name, m.Text, m.ID)
}
