// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// All output defaults to stderr. The pool process owns stdout for the
// supervisor protocol, so nothing may log there.
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	logger.Info("Pool ready", zap.Int("min", 0), zap.Int("max", 4))
//	logger.Error("Worker crashed", zap.String("worker", id), zap.Error(err))
package logging
