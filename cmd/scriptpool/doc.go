// Package main is the scriptpool command line.
//
// It runs exported functions of CommonJS scripts inside isolated sandboxes
// hosted by a separate pool process. The same binary serves as that pool
// process through the hidden _pool subcommand.
//
// Usage:
//
//	# Call multiply(2, 3) from ./math.js
//	scriptpool run ./math.js 2 3 --function multiply
//
//	# Print status updates to stderr while the script runs
//	scriptpool run ./job.js '{"id": 7}' --status
//
//	# Allow four concurrent sandboxes, two created eagerly
//	scriptpool run ./job.js --min 2 --max 4
//
//	# Read pool settings from a file; flags still win
//	scriptpool run ./job.js --config pool.yaml --max 8
//
// Arguments after the script path are parsed as JSON; anything that is not
// valid JSON is passed as a string.
//
// Signals:
//   - SIGINT, SIGTERM: abort the running script and stop the pool process
package main
