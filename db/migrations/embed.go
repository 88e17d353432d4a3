// Package migrations holds the ordered schema ledger for the events table.
// Each change is a named, monotonic SQL migration applied once at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
