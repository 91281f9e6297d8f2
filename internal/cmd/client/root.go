package clientcmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand reports the aggregate pipeline snapshot.
func NewStatusCommand(api APIURL) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]interface{}
			if err := getJSON(api, "/v1/status", &stats); err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

// NewSendCommand submits one message through the HTTP API.
func NewSendCommand(api APIURL) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			sender, _ := cmd.Flags().GetString("from")
			recipient, _ := cmd.Flags().GetString("to")
			text, _ := cmd.Flags().GetString("text")
			tier, _ := cmd.Flags().GetInt("tier")

			body := map[string]interface{}{
				"sender": sender, "text": text, "recipient": recipient,
			}
			if tier != 0 {
				body["tier"] = tier
			}
			var msg map[string]interface{}
			if err := postJSON(api, "/v1/messages", body, &msg); err != nil {
				return err
			}
			return printJSON(msg)
		},
	}
	cmd.Flags().String("from", "", "Sender name")
	cmd.Flags().String("to", "", "Recipient (empty for broadcast)")
	cmd.Flags().String("text", "", "Message text")
	cmd.Flags().Int("tier", 0, "Manual priority tier 1-4 (0 = auto)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

// NewMailboxCommand inspects offline backlogs.
func NewMailboxCommand(api APIURL) *cobra.Command {
	mailboxCmd := &cobra.Command{Use: "mailbox", Short: "Offline mailbox operations"}

	peekCmd := &cobra.Command{
		Use:   "peek",
		Short: "Preview a recipient's backlog without draining it",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, _ := cmd.Flags().GetString("recipient")
			limit, _ := cmd.Flags().GetInt("limit")
			var body map[string]interface{}
			path := fmt.Sprintf("/v1/mailbox/peek?recipient=%s&limit=%d", recipient, limit)
			if err := getJSON(api, path, &body); err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	peekCmd.Flags().String("recipient", "", "Recipient name")
	peekCmd.Flags().Int("limit", 0, "Max entries (0 = all)")
	_ = peekCmd.MarkFlagRequired("recipient")
	mailboxCmd.AddCommand(peekCmd)

	recipientsCmd := &cobra.Command{
		Use:   "recipients",
		Short: "List recipients with pending backlogs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]interface{}
			if err := getJSON(api, "/v1/mailbox/recipients", &body); err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	mailboxCmd.AddCommand(recipientsCmd)
	return mailboxCmd
}

// NewDeadLettersCommand lists archived abandonments.
func NewDeadLettersCommand(api APIURL) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List abandoned messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			var body map[string]interface{}
			if err := getJSON(api, fmt.Sprintf("/v1/deadletters?limit=%d", limit), &body); err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	cmd.Flags().Int("limit", 0, "Max entries (0 = all)")
	return cmd
}

// NewAdminCommand groups operator actions.
func NewAdminCommand(api APIURL) *cobra.Command {
	adminCmd := &cobra.Command{Use: "admin", Short: "Operator actions"}

	flushBatch := &cobra.Command{
		Use:   "flush-batch",
		Short: "Force-release the pending batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]int
			if err := postJSON(api, "/v1/admin/batch/flush", struct{}{}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	adminCmd.AddCommand(flushBatch)

	flushRetries := &cobra.Command{
		Use:   "flush-retries",
		Short: "Make all waiting retry tickets immediately eligible",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]int
			if err := postJSON(api, "/v1/admin/retry/flush", struct{}{}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	adminCmd.AddCommand(flushRetries)

	clearMailbox := &cobra.Command{
		Use:   "clear-mailbox",
		Short: "Drop a recipient's offline backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, _ := cmd.Flags().GetString("recipient")
			var out map[string]int
			if err := postJSON(api, "/v1/admin/mailbox/clear", map[string]string{"recipient": recipient}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	clearMailbox.Flags().String("recipient", "", "Recipient name")
	_ = clearMailbox.MarkFlagRequired("recipient")
	adminCmd.AddCommand(clearMailbox)

	clearAll := &cobra.Command{
		Use:   "clear",
		Short: "Empty every pipeline stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := postJSON(api, "/v1/admin/clear", struct{}{}, nil); err != nil {
				return err
			}
			fmt.Println("cleared")
			return nil
		},
	}
	adminCmd.AddCommand(clearAll)
	return adminCmd
}
