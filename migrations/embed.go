// ABOUTME: Embedded goose migrations for the local offline queue database
// ABOUTME: Applied by db.OpenDatabase on every open
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
