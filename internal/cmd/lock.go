package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/switchboard/internal/coordination"
	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/filelock"
)

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release and inspect file locks",
		Long: `File locks give one agent exclusive ownership of a path or glob pattern
(e.g. src/auth/**). Locks never block: a conflicting acquire reports the
holder and exits 1. Locks older than locks.stale_after are reclaimed.`,
	}
	cmd.AddCommand(
		newLockAcquireCmd(),
		newLockReleaseCmd(),
		newLockRefreshCmd(),
		newLockWhoHasCmd(),
		newLockListCmd(),
		newLockCleanupCmd(),
	)
	return cmd
}

func describeLock(l filelock.FileLock, now time.Time) string {
	s := fmt.Sprintf("%s held by %s, age %s", l.Target, l.Owner, age(l.Age(now)))
	if l.Reason != "" {
		s += fmt.Sprintf(", reason %q", l.Reason)
	}
	return s
}

func newLockAcquireCmd() *cobra.Command {
	var reason string
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "acquire <target>",
		Short: "Take exclusive ownership of a path or pattern",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := callingAgent()
			if err != nil {
				return err
			}
			return withHub(func(hub *coordination.Hub) error {
				granted, conflict, err := hub.Locks().Acquire(args[0], agent, reason, staleAfter)
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if !granted {
					if jsonOutput() {
						_ = p.JSON(map[string]any{"granted": false, "holder": conflict})
					}
					if conflict == nil {
						return fmt.Errorf("%w: %s", errors.ErrLockConflict, args[0])
					}
					return fmt.Errorf("%w: %s", errors.ErrLockConflict, describeLock(*conflict, time.Now()))
				}

				// Acquire reports only conflicts; read back the record just written.
				held, err := hub.Locks().WhoHas(args[0])
				if err != nil {
					return err
				}
				if held == nil || held.Owner != agent {
					held = &filelock.FileLock{Owner: agent, Target: args[0], Reason: reason}
				}
				if jsonOutput() {
					return p.JSON(map[string]any{"granted": true, "lock": held})
				}
				p.Successf("Acquired %s", held.Target)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the lock is needed")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "staleness threshold recorded on the lock, also used to reclaim intersecting locks (default locks.stale_after)")
	return cmd
}

func newLockReleaseCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "release <target>",
		Short: "Release a lock you hold",
		Long: `Release a lock you hold. Releasing a lock held by someone else, or one
that does not exist, fails with exit code 1 and says which.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return exactArgs(0)(cmd, args)
			}
			return exactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := callingAgent()
			if err != nil {
				return err
			}
			return withHub(func(hub *coordination.Hub) error {
				p := newPrinter(cmd.OutOrStdout())
				if all {
					n, err := hub.Locks().ReleaseAll(agent)
					if err != nil {
						return err
					}
					p.Successf("Released %d lock(s)", n)
					return nil
				}
				l, err := hub.Locks().ReleaseDetailed(args[0], agent)
				if err != nil {
					if errors.Is(err, errors.ErrLockNotHeld) && l != nil {
						return fmt.Errorf("you don't hold this lock: %w (%s)", errors.ErrLockNotHeld, describeLock(*l, time.Now()))
					}
					if errors.Is(err, errors.ErrLockNotFound) {
						return fmt.Errorf("lock doesn't exist: %w", err)
					}
					return err
				}
				p.Successf("Released %s", l.Target)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "release every lock the calling agent holds")
	return cmd
}

func newLockRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <target>",
		Short: "Reset the age of a lock you hold",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := callingAgent()
			if err != nil {
				return err
			}
			return withHub(func(hub *coordination.Hub) error {
				ok, err := hub.Locks().Refresh(args[0], agent)
				if err != nil {
					return err
				}
				if !ok {
					holder, err := hub.Locks().WhoHas(args[0])
					switch {
					case err != nil:
						return err
					case holder == nil:
						return fmt.Errorf("lock doesn't exist: %w", errors.ErrLockNotFound)
					case holder.Owner != agent:
						return fmt.Errorf("you don't hold this lock: %w (%s)", errors.ErrLockNotHeld, describeLock(*holder, time.Now()))
					default:
						return fmt.Errorf("lock on %s is stale and was not refreshed: %w", args[0], errors.ErrLockStale)
					}
				}
				newPrinter(cmd.OutOrStdout()).Successf("Refreshed %s", args[0])
				return nil
			})
		},
	}
}

func newLockWhoHasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "who-has <target>",
		Short: "Show the live lock covering a path",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				holder, err := hub.Locks().WhoHas(args[0])
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					return p.JSON(holder)
				}
				if holder == nil {
					p.Mutedf("%s is not locked", args[0])
					return nil
				}
				p.Printf("%s", describeLock(*holder, time.Now()))
				return nil
			})
		},
	}
}

func newLockListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every recorded lock",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				locks, err := hub.Locks().List()
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					return p.JSON(locks)
				}
				if len(locks) == 0 {
					p.Mutedf("No locks held")
					return nil
				}
				now := time.Now()
				rows := make([]table.Row, 0, len(locks))
				for _, l := range locks {
					state := "live"
					if hub.Locks().IsStale(l) {
						state = "stale"
					}
					rows = append(rows, table.Row{l.Target, l.Owner, age(l.Age(now)), state, l.Reason})
				}
				p.Table(table.Row{"Target", "Owner", "Age", "State", "Reason"}, rows)
				return nil
			})
		},
	}
}

func newLockCleanupCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim abandoned locks",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				n, err := hub.Locks().CleanupStale(olderThan)
				if err != nil {
					return err
				}
				newPrinter(cmd.OutOrStdout()).Successf("Reclaimed %d stale lock(s)", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default: each lock's own stale-after)")
	return cmd
}
