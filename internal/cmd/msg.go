package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/switchboard/internal/coordination"
	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
)

// previewWidth bounds message content shown in tables.
const previewWidth = 60

func newMsgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msg",
		Short: "Send, broadcast and read signed messages",
		Long: `Messages are signed with the shared key, rate limited per sender, and
delivered through the configured transport. Types: INFO, QUESTION,
REVIEW_REQUEST, BLOCKED, COMPLETED, CHALLENGE, ACK.`,
	}
	cmd.AddCommand(
		newMsgSendCmd(),
		newMsgBroadcastCmd(),
		newMsgInboxCmd(),
		newMsgAcceptCmd(),
		newMsgLogCmd(),
	)
	return cmd
}

func parseType(s string) (mailbox.MessageType, error) {
	return mailbox.ParseMessageType(s)
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewWidth {
		return string(r[:previewWidth-1]) + "…"
	}
	return s
}

func newMsgSendCmd() *cobra.Command {
	var typ string

	cmd := &cobra.Command{
		Use:   "send <to> <content...>",
		Short: "Send a message to one agent",
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
				msg, err := hub.Substrate().Send(cmd.Context(), agent, args[0], mt, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					return p.JSON(msg)
				}
				p.Successf("Sent %s to %s", msg.ID, msg.To)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", string(mailbox.MessageInfo), "message type")
	return cmd
}

func newMsgBroadcastCmd() *cobra.Command {
	var typ string
	var includeSelf bool

	cmd := &cobra.Command{
		Use:   "broadcast <content...>",
		Short: "Send a message to every registered agent",
		Long: `Send a message to every registered agent. Recipients that cannot be
reached are listed; a broadcast that reaches nobody exits 2.`,
		Args: minArgs(1),
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
				msg, result, err := hub.Substrate().BroadcastMessage(cmd.Context(),
					mailbox.Message{From: agent, Type: mt, Content: strings.Join(args, " ")}, !includeSelf)
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				delivered, failed := result.Delivered(), result.Failed()
				if jsonOutput() {
					if err := p.JSON(map[string]any{"id": msg.ID, "delivered": delivered, "failed": failed}); err != nil {
						return err
					}
				} else {
					p.Successf("Broadcast %s reached %d agent(s)", msg.ID, len(delivered))
					for _, id := range failed {
						p.Warnf("  not reached: %s (%v)", id, result[id])
					}
				}
				if len(delivered) == 0 {
					return errors.NewDeliveryError(mailbox.BroadcastRecipient, errors.New("broadcast reached no agents"))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", string(mailbox.MessageInfo), "message type")
	cmd.Flags().BoolVar(&includeSelf, "include-self", false, "deliver to the sender too")
	return cmd
}

func newMsgInboxCmd() *cobra.Command {
	var (
		types  []string
		from   string
		since  time.Duration
		limit  int
		digest bool
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Read the calling agent's verified messages",
		Long: `Read the calling agent's inbox (file transport only). Every message is
verified first; forged or unsigned messages are dropped and logged.
Acknowledgments addressed to the agent are applied to pending messages.

With --watch, new messages are printed as they arrive until interrupted.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := callingAgent()
			if err != nil {
				return err
			}
			opts := mailbox.FilterOptions{From: from, MaxMessages: limit}
			for _, t := range types {
				mt, err := parseType(t)
				if err != nil {
					return err
				}
				opts.Types = append(opts.Types, mt)
			}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}

			return withHub(func(hub *coordination.Hub) error {
				inbox, ok := hub.Inbox()
				if !ok {
					return errors.NewValidationError("inbox requires the file transport").WithField("messaging.transport")
				}
				address, err := hub.Registry().Resolve(agent)
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())

				all, err := inbox.Messages(address)
				if err != nil {
					return err
				}
				msgs := mailbox.Filter(verified(hub, all), opts)
				if err := printMessages(p, msgs, digest); err != nil {
					return err
				}
				if !watch {
					return nil
				}

				ctx, stop := interruptible(cmd.Context())
				defer stop()
				stopWatch, err := inbox.Watch(ctx, address, func(env mailbox.Envelope) {
					if env.Message == nil {
						return
					}
					if fresh := mailbox.Filter(verified(hub, []mailbox.Message{*env.Message}), mailbox.FilterOptions{Types: opts.Types, From: from}); len(fresh) > 0 {
						_ = printMessages(p, fresh, digest)
					}
				})
				if err != nil {
					return err
				}
				<-ctx.Done()
				stopWatch()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "only these message types")
	cmd.Flags().StringVar(&from, "from", "", "only messages from this agent")
	cmd.Flags().DurationVar(&since, "since", 0, "only messages newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many (newest)")
	cmd.Flags().BoolVar(&digest, "digest", false, "print a plain-text digest for pasting into an agent's context")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing new messages")
	return cmd
}

// verified drops messages failing authentication and applies
// acknowledgments. It returns the messages to show.
func verified(hub *coordination.Hub, msgs []mailbox.Message) []mailbox.Message {
	out := make([]mailbox.Message, 0, len(msgs))
	for _, msg := range msgs {
		if err := hub.Substrate().Accept(msg); err != nil {
			continue
		}
		if msg.Type == mailbox.MessageAck {
			if _, err := hub.Tracker().HandleIncoming(msg); err != nil {
				hub.Logger().Warn("ack not applied", "message_id", msg.ID, "error", err.Error())
			}
		}
		out = append(out, msg)
	}
	return out
}

func printMessages(p *printer, msgs []mailbox.Message, digest bool) error {
	switch {
	case jsonOutput():
		return p.JSON(msgs)
	case digest:
		if d := mailbox.FormatDigest(msgs); d != "" {
			p.Printf("%s", d)
		}
		return nil
	case len(msgs) == 0:
		p.Mutedf("No messages")
		return nil
	}
	rows := make([]table.Row, 0, len(msgs))
	for _, m := range msgs {
		kind := string(m.Type)
		if m.IsEscalation() {
			kind += " (escalation)"
		}
		rows = append(rows, table.Row{timestamp(m.Timestamp), m.From, kind, m.ID, preview(m.Content)})
	}
	p.Table(table.Row{"Time", "From", "Type", "ID", "Content"}, rows)
	return nil
}

func newMsgAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept [file]",
		Short: "Verify a message given as JSON",
		Long: `Verify the signature of a message given as JSON in file, or on stdin
when file is omitted or "-". Exits 1 when the message fails authentication.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return exactArgs(1)(cmd, args)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.NewValidationError("cannot open message file").WithValue(args[0]).WithCause(err)
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			var msg mailbox.Message
			if err := json.NewDecoder(r).Decode(&msg); err != nil {
				return errors.NewValidationError("message is not valid JSON").WithCause(err)
			}
			return withHub(func(hub *coordination.Hub) error {
				if err := hub.Substrate().Accept(msg); err != nil {
					return err
				}
				newPrinter(cmd.OutOrStdout()).Successf("Verified %s from %s", msg.ID, msg.From)
				return nil
			})
		},
	}
}

func newMsgLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <message-id>",
		Short: "Show every delivery attempt for a message",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				records, err := hub.Deliveries().ForMessage(args[0])
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					return p.JSON(records)
				}
				if len(records) == 0 {
					return errors.NewNotFoundError("delivery record", args[0])
				}
				rows := make([]table.Row, 0, len(records))
				for _, r := range records {
					rows = append(rows, table.Row{timestamp(r.At), r.To, r.Address, r.Outcome, r.Error})
				}
				p.Table(table.Row{"Time", "To", "Address", "Outcome", "Error"}, rows)
				return nil
			})
		},
	}
}

// interruptible returns a context canceled by SIGINT or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
