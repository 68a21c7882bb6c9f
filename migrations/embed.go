// Package migrations embeds SQL migration files into the binary.
//
// Pass FS to database.DB.Migrate; the files are at the root of the FS.
package migrations

import "embed"

// FS holds every *.up.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS
