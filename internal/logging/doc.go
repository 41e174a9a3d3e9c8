// Package logging owns the process-wide root logger. It writes JSON to stdout
// and attaches at most one core per severity level, so start-up code that runs
// once per worker can call Setup without duplicating output.
package logging
