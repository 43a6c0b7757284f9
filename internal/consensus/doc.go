// Package consensus resolves disagreements between agents by voting.
//
// A round offers two options to a set of eligible agents. InitiateVote
// broadcasts the request through the messaging substrate and fails the
// round outright when nobody received it. Agents answer with CastVote; each
// agent votes once, and a repeat vote is rejected rather than replacing the
// first. A round closes when every eligible agent has voted, when its
// deadline passes, or when DetermineWinner is called.
//
// # Strategies
//
//   - SimpleMajority: the option with more votes wins.
//   - EvidenceBased: each vote adds len(evidence)*confidence to its option.
//
// Equal scores are broken by total evidence count, then by average
// confidence, then alphabetically, so the same votes always produce the
// same winner.
//
// # Usage
//
//	engine := consensus.NewEngine(substrate, nil, consensus.WithStrategy(consensus.EvidenceBased))
//	id, err := engine.InitiateVote(ctx, "agent-a", "password hashing", "bcrypt", "argon2",
//	    []string{"agent-a", "agent-b", "agent-c"}, time.Minute)
//	engine.CastVote(id, "agent-b", "argon2", 0.8, []string{"OWASP guidance"}, "memory hard")
//	res, err := engine.CollectVotes(ctx, id, 30*time.Second, 2)
//
// # Thread Safety
//
// Engine is safe for concurrent use. With a FileStore, separate processes
// share rounds and duplicate votes are rejected atomically across them.
package consensus
