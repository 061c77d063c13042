// Package migrations embeds the goose SQL migrations for the publish job store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
