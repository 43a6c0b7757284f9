package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/switchboard/internal/consensus"
	"github.com/Iron-Ham/switchboard/internal/coordination"
)

func newVoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vote",
		Short: "Settle a disagreement between two options",
		Long: `A voting round asks every eligible agent to choose between two options
(or abstain) with a confidence and evidence. Rounds close when everyone
has voted, when their deadline passes, or when a winner is requested.

Strategies (consensus.strategy):
  simple_majority  one vote each
  evidence_based   each vote weighs confidence × pieces of evidence

Ties are broken by total evidence, then average confidence, then
alphabetical order of the option text.`,
	}
	cmd.AddCommand(
		newVoteInitiateCmd(),
		newVoteCastCmd(),
		newVoteWinnerCmd(),
		newVoteCollectCmd(),
		newVoteListCmd(),
		newVoteHistoryCmd(),
	)
	return cmd
}

func newVoteInitiateCmd() *cobra.Command {
	var (
		optionA  string
		optionB  string
		eligible []string
		timeout  time.Duration
		strategy string
	)

	cmd := &cobra.Command{
		Use:   "initiate <topic...>",
		Short: "Open a round and ask the eligible agents to vote",
		Long: `Open a round and broadcast the vote request. Without --eligible, every
registered agent may vote, the initiator included. The round id is printed.`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := callingAgent()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("strategy") {
				s, err := consensus.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				viper.Set("consensus.strategy", string(s))
			}
			return withHub(func(hub *coordination.Hub) error {
				voters := eligible
				if len(voters) == 0 {
					if voters, err = hub.Registry().ListAgents(); err != nil {
						return err
					}
				}
				id, err := hub.Engine().InitiateVote(cmd.Context(), agent, strings.Join(args, " "), optionA, optionB, voters, timeout)
				if err != nil {
					return err
				}
				round, err := hub.Engine().Round(id)
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					return p.JSON(round)
				}
				p.Successf("Opened %s (%s vs %s), closes %s", id, round.OptionA, round.OptionB, timestamp(round.Deadline))
				for _, id := range round.Unreached {
					p.Warnf("  vote request not delivered to %s", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&optionA, "option-a", "", "first option")
	cmd.Flags().StringVar(&optionB, "option-b", "", "second option")
	cmd.Flags().StringSliceVarP(&eligible, "eligible", "e", nil, "agents allowed to vote (default every registered agent)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "round deadline (default consensus.default_timeout)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "tally strategy (default consensus.strategy)")
	return cmd
}

func newVoteCastCmd() *cobra.Command {
	var (
		confidence float64
		evidence   []string
		rationale  string
	)

	cmd := &cobra.Command{
		Use:   "cast <vote-id> <option>",
		Short: "Vote in a round",
		Long: `Vote in a round. The option is the option text, "a", "b" or "abstain".
Each agent votes once; a second vote is rejected.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := callingAgent()
			if err != nil {
				return err
			}
			return withHub(func(hub *coordination.Hub) error {
				if _, err := hub.Engine().CastVote(args[0], agent, args[1], confidence, evidence, rationale); err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				p.Successf("Vote recorded in %s", args[0])
				if round, err := hub.Engine().Round(args[0]); err == nil && round.Status == consensus.StatusClosed {
					p.Mutedf("Every eligible agent has voted; the round is closed")
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&confidence, "confidence", 1.0, "confidence in [0, 1]")
	cmd.Flags().StringArrayVar(&evidence, "evidence", nil, "a piece of supporting evidence (repeatable)")
	cmd.Flags().StringVar(&rationale, "rationale", "", "why this option")
	return cmd
}

func newVoteWinnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "winner <vote-id>",
		Short: "Close a round and show its result",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				res, err := hub.Engine().DetermineWinner(args[0])
				if err != nil {
					return err
				}
				return printResult(newPrinter(cmd.OutOrStdout()), *res)
			})
		},
	}
}

func newVoteCollectCmd() *cobra.Command {
	var (
		timeout  time.Duration
		minVotes int
	)

	cmd := &cobra.Command{
		Use:   "collect <vote-id>",
		Short: "Wait for votes, then close the round",
		Long: `Wait until --min-votes votes are in (default every eligible agent), then
close the round and show its result. Exits 2 with the progress made if
the wait times out or the round's deadline passes first.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd.Context())
			defer stop()
			return withHub(func(hub *coordination.Hub) error {
				res, err := hub.Engine().CollectVotes(ctx, args[0], timeout, minVotes)
				if err != nil {
					return err
				}
				return printResult(newPrinter(cmd.OutOrStdout()), *res)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (default the round's deadline)")
	cmd.Flags().IntVar(&minVotes, "min-votes", 0, "votes required (default every eligible agent)")
	return cmd
}

func printResult(p *printer, res consensus.Result) error {
	if jsonOutput() {
		return p.JSON(res)
	}
	if res.Winner == "" {
		p.Warnf("No winner for %q: no votes for either option", res.Topic)
	} else {
		p.Successf("Winner for %q: %s", res.Topic, res.Winner)
	}
	if res.TieBroken {
		p.Mutedf("Tie broken by %s", strings.ReplaceAll(res.TieBreak, "_", " "))
	}

	rows := make([]table.Row, 0, 2)
	for _, option := range []string{res.OptionA, res.OptionB} {
		t := res.Tallies[option]
		rows = append(rows, table.Row{
			option, t.Votes,
			strconv.FormatFloat(t.Score, 'f', 2, 64),
			t.EvidenceCount,
			strconv.FormatFloat(t.AverageConfidence(), 'f', 2, 64),
		})
	}
	p.Table(table.Row{"Option", "Votes", "Score", "Evidence", "Avg confidence"}, rows)
	p.Mutedf("%d vote(s), %d abstention(s), strategy %s", res.TotalVotes, res.Abstentions, res.Strategy)
	return nil
}

func newVoteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List voting rounds",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				rounds, err := hub.Engine().Rounds()
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					return p.JSON(rounds)
				}
				if len(rounds) == 0 {
					p.Mutedf("No voting rounds")
					return nil
				}
				rows := make([]table.Row, 0, len(rounds))
				for _, r := range rounds {
					winner := ""
					if r.Result != nil {
						winner = r.Result.Winner
					}
					rows = append(rows, table.Row{
						r.ID, preview(r.Topic), fmt.Sprintf("%s / %s", r.OptionA, r.OptionB),
						string(r.Status), fmt.Sprintf("%d/%d", len(r.Votes), len(r.Eligible)),
						timestamp(r.Deadline), winner,
					})
				}
				p.Table(table.Row{"ID", "Topic", "Options", "Status", "Votes", "Deadline", "Winner"}, rows)
				return nil
			})
		},
	}
}

func newVoteHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived results, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHub(func(hub *coordination.Hub) error {
				results, err := hub.Archive().ListResults(cmd.Context(), limit)
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if jsonOutput() {
					return p.JSON(results)
				}
				if len(results) == 0 {
					p.Mutedf("No closed rounds")
					return nil
				}
				rows := make([]table.Row, 0, len(results))
				for _, r := range results {
					tie := ""
					if r.TieBroken {
						tie = r.TieBreak
					}
					rows = append(rows, table.Row{timestamp(r.ClosedAt), r.VoteID, preview(r.Topic), r.Winner, string(r.Strategy), r.TotalVotes, tie})
				}
				p.Table(table.Row{"Closed", "ID", "Topic", "Winner", "Strategy", "Votes", "Tie break"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many")
	return cmd
}
