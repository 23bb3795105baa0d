package migrations

import "embed"

// FS embeds the versioned SQL migrations applied by golang-migrate.
//
//go:embed *.sql
var FS embed.FS
