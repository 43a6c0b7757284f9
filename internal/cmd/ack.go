package cmd

import (
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/switchboard/internal/ack"
	"github.com/Iron-Ham/switchboard/internal/coordination"
	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
)

func newAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Send messages that must be acknowledged",
		Long: `A message sent with "ack send" is retried with exponential backoff until
its recipient acknowledges it. After ack.max_retries resends it is
escalated to every agent. Retries happen when "ack process" or
"switchboard run" processes the pending set.`,
	}
	cmd.AddCommand(
		newAckSendCmd(),
		newAckReceiveCmd(),
		newAckProcessCmd(),
		newAckPendingCmd(),
	)
	return cmd
}

func newAckSendCmd() *cobra.Command {
	var typ string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <to> <content...>",
		Short: "Send a message and wait asynchronously for its acknowledgment",
		Args:  minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := callingAgent()
			if err != nil {
				return err
			}
			mt, err := parseType(typ)
			if err != nil {
				return err
			}
			return withHub(func(hub *coordination.Hub) error {
				id, err := hub.Tracker().SendWithAck(cmd.Context(), agent, args[0], mt, strings.Join(args[1:], " "), timeout)
				p := newPrinter(cmd.OutOrStdout())
				if id != "" && err != nil {
					p.Warnf("Delivery of %s failed; it will be retried", id)
				}
				if err != nil {
					return err
				}
				if jsonOutput() {
					return p.JSON(map[string]string{"id": id})
				}
				p.Successf("Sent %s to %s, awaiting acknowledgment", id, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", string(mailbox.MessageQuestion), "message type")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "wait before the first retry (default ack.timeout)")
	return cmd
}

func newAckReceiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receive <message-id>",
		Short: "Acknowledge a message addressed to the calling agent",
		Long: `Acknowledge a message addressed to the calling agent. The pending record
is cleared and an ACK message is sent back to the original sender.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := callingAgent()
			if err != nil {
				return err
			}
			return withHub(func(hub *coordination.Hub) error {
				pending, err := hub.Tracker().Status(args[0])
				if err != nil {
					return err
				}
				ok, err := hub.Tracker().ReceiveAck(args[0], agent)
				if err != nil {
					return err
				}
				if !ok {
					return errors.Wrapf(errors.ErrAckNotPending, "%s is addressed to %s, not %s", args[0], pending.Recipient, agent)
				}

				p := newPrinter(cmd.OutOrStdout())
				if err := hub.Tracker().Acknowledge(cmd.Context(), agent, pending.Payload); err != nil {
					p.Warnf("Acknowledged %s, but notifying %s failed: %v", args[0], pending.Sender, err)
					return nil
				}
				p.Successf("Acknowledged %s from %s", args[0], pending.Sender)
				return nil
			})
		},
	}
}

func newAckProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Retry or escalate every overdue message once",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				report, err := hub.Scheduler().ProcessRetries(cmd.Context())
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					if jerr := p.JSON(reportJSON(report)); jerr != nil {
						return jerr
					}
					return err
				}
				if report.Processed == 0 {
					p.Mutedf("Nothing due")
					return err
				}
				rows := make([]table.Row, 0, len(report.Results))
				for _, r := range report.Results {
					detail := ""
					if r.Err != nil {
						detail = r.Err.Error()
					}
					rows = append(rows, table.Row{r.MessageID, r.Recipient, string(r.Outcome), r.RetryCount, detail})
				}
				p.Table(table.Row{"Message", "Recipient", "Outcome", "Retries", "Detail"}, rows)
				return err
			})
		},
	}
}

type resultJSON struct {
	MessageID  string `json:"message_id"`
	Recipient  string `json:"recipient"`
	Outcome    string `json:"outcome"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

func reportJSON(r ack.Report) []resultJSON {
	out := make([]resultJSON, 0, len(r.Results))
	for _, res := range r.Results {
		j := resultJSON{MessageID: res.MessageID, Recipient: res.Recipient, Outcome: string(res.Outcome), RetryCount: res.RetryCount}
		if res.Err != nil {
			j.Error = res.Err.Error()
		}
		out = append(out, j)
	}
	return out
}

func newAckPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List messages awaiting acknowledgment",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				pending, err := hub.Tracker().Pending()
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					return p.JSON(pending)
				}
				if len(pending) == 0 {
					p.Mutedf("No messages awaiting acknowledgment")
					return nil
				}
				rows := make([]table.Row, 0, len(pending))
				for _, pa := range pending {
					rows = append(rows, table.Row{
						pa.MessageID, pa.Sender, pa.Recipient, string(pa.State),
						pa.RetryCount, timestamp(pa.NextRetryAt), preview(pa.LastError),
					})
				}
				p.Table(table.Row{"Message", "From", "To", "State", "Retries", "Next retry", "Last error"}, rows)
				return nil
			})
		},
	}
}
