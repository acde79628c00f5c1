// Package requestlog keeps a bounded history of emulated API calls.
//
// The gateway records each exchange a provider listener serves, together
// with the operation it resolved to and the status it returned. The admin
// endpoint /_cloudemu/requests queries that history with the same
// parameters ParseFilter understands:
//
//	GET /_cloudemu/requests?provider=aws&error=true&limit=20
//
// Operational logging stays with log/slog; entries here describe what a
// client sent, not what the emulator did.
package requestlog
