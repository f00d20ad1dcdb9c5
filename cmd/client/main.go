// cmd/client is the CLI entry-point built with Cobra.
//
// Usage:
//
//	msglogctl send alice bob "hello world"  --seeds http://localhost:8080
//	msglogctl messages --sender alice       --seeds http://localhost:8080
//	msglogctl status                        --seeds http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"distributed-msglog/internal/client"
)

var (
	seedsFlag string
	timeout   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "msglogctl",
		Short: "CLI client for the distributed message log",
	}

	root.PersistentFlags().StringVarP(&seedsFlag, "seeds", "s",
		"http://localhost:8080", "Comma-separated list of seed node base URLs")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(sendCmd(), messagesCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() (*client.Client, error) {
	seeds := strings.Split(seedsFlag, ",")
	return client.New(seeds, timeout)
}

// ─── send ───────────────────────────────────────────────────────────────────

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <sender> <recipient> <payload>",
		Short: "Submit a message for ingestion, following leader redirects",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			resp, err := c.Send(context.Background(), args[0], args[1], args[2], 0)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── messages ───────────────────────────────────────────────────────────────

func messagesCmd() *cobra.Command {
	var after, limit int64
	var sender, recipient string

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List committed messages after a given sequence number",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			resp, err := c.Messages(context.Background(), after, limit, sender, recipient)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "Only return messages with seq greater than this")
	cmd.Flags().Int64Var(&limit, "limit", 0, "Maximum number of messages to return (0 = no limit)")
	cmd.Flags().StringVar(&sender, "sender", "", "Filter by sender")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Filter by recipient")
	return cmd
}

// ─── status ─────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [node-url]",
		Short: "Fetch the raw status of a specific node (defaults to the first seed)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			target := strings.Split(seedsFlag, ",")[0]
			if len(args) == 1 {
				target = args[0]
			}
			resp, err := c.Status(context.Background(), target)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
