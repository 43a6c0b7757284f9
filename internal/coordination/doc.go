// Package coordination provides a Hub that wires every switchboard
// component to one shared state directory.
//
// The Hub builds, from a config.Config:
//
//   - the file lock Manager over {state}/locks
//   - the agent registry at {state}/agents.yaml
//   - the messaging Substrate (signer, rate limiter, delivery log, and the
//     file or tmux transport)
//   - the acknowledgment Tracker over {state}/pending
//   - the consensus Engine over {state}/rounds, archiving results to
//     {state}/audit.db
//
// Each CLI invocation builds its own Hub; they coordinate only through the
// state directory. A long-running process calls Start to run the Scheduler,
// which processes acknowledgment retries and sweeps stale locks and expired
// rounds.
//
// Usage:
//
//	hub, err := coordination.NewHub(cfg)
//	if err != nil {
//	    return err
//	}
//	defer hub.Close()
//
//	if err := hub.Start(ctx); err != nil {
//	    return err
//	}
//	granted, holder, err := hub.Locks().Acquire("src/main.go", "agent-a", "refactor", 0)
package coordination
