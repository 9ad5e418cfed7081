package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/21st-dev/magic/internal/config"
	"github.com/21st-dev/magic/internal/history"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyVerifyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of entries to show")
}

func openHistory() (*history.Store, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	return history.Open(dir)
}

// historyCmd lists recorded tool calls, newest first.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent tool calls and callback outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.List(historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No history recorded")
			return nil
		}

		for _, e := range entries {
			line := fmt.Sprintf("%s %s %s", e.CreatedAt, e.Op, e.Tool)
			if e.Detail != "" {
				line += " " + e.Detail
			}
			fmt.Println(line)
		}
		fmt.Printf("\nTotal: %d entries\n", len(entries))
		return nil
	},
}

// historyVerifyCmd recomputes the HMAC chain over all records.
var historyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify history integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Verify(); err != nil {
			return fmt.Errorf("history verification failed: %w", err)
		}
		fmt.Println("History verified: chain intact")
		return nil
	},
}
