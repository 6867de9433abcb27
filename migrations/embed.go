// Package migrations embeds the schema so the API, escrowctl and the test
// harness apply the same files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
