// Package migrations embeds the schema applied by fpverify-admin and the
// integration test containers.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
