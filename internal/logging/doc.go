// Package logging provides structured JSON logging for switchboard.
//
// It wraps log/slog with a small [Logger] type that every coordination
// component accepts as an option. Child loggers add context with
// [Logger.WithAgent] and [Logger.WithComponent]; the state directory's log
// file is rotated by [RotatingWriter].
//
// Level conventions used across the coordination layer:
//
//   - DEBUG: lock conflicts, verify-pass yields, retry scheduling
//   - INFO: acquisitions, releases, stale-lock reclamation, vote results
//   - WARN: rejected signatures (security events), escalations
//   - ERROR: transport and store failures
//
// Usage:
//
//	logger, err := logging.NewFileLogger(stateDir, "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithComponent("filelock").WithAgent("agent-a")
//	log.Info("lock acquired", "target", "src/auth.py")
//
// Tests use [NopLogger], or [New] over a bytes.Buffer when they need to
// assert on emitted entries.
package logging
