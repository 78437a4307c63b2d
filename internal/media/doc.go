// Package media provides the local tracks a participant publishes and keeps
// per-participant statistics for the remote tracks it receives.
package media
