package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/switchboard/internal/coordination"
	"github.com/Iron-Ham/switchboard/internal/event"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the maintenance scheduler until interrupted",
		Long: `Run the scheduler in the foreground: pending acknowledgments are retried
or escalated every scheduler.retry_interval, and stale locks and expired
voting rounds are swept every scheduler.sweep_interval.

One scheduler per state directory is enough; running more is safe.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd.Context())
			defer stop()

			return withHub(func(hub *coordination.Hub) error {
				p := newPrinter(cmd.OutOrStdout())
				hub.Bus().SubscribeAll(func(e event.Event) {
					p.Mutedf("%s %s", e.Timestamp().Local().Format("15:04:05"), describeEvent(e))
				})

				if err := hub.Start(ctx); err != nil {
					return err
				}
				cfg := hub.Config()
				p.Successf("Scheduler running on %s (retries every %s, sweeps every %s)",
					cfg.StateDir(), cfg.Scheduler.RetryInterval, cfg.Scheduler.SweepInterval)

				<-ctx.Done()
				return hub.Stop()
			})
		},
	}
}

func describeEvent(e event.Event) string {
	switch ev := e.(type) {
	case event.LockEvent:
		return e.EventType() + " " + ev.Target + " " + ev.Owner
	case event.AckEvent:
		return e.EventType() + " " + ev.MessageID + " " + ev.Recipient
	case event.VoteEvent:
		return e.EventType() + " " + ev.VoteID
	case event.MessageEvent:
		return e.EventType() + " " + ev.MessageID
	default:
		return e.EventType()
	}
}
