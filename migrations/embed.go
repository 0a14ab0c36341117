// Package migrations embeds the table definitions for each supported dialect.
package migrations

import "embed"

// FS holds one directory per dialect: sqlite, postgres and mysql.
//
//go:embed sqlite/*.sql postgres/*.sql mysql/*.sql
var FS embed.FS
