package migrations

import "embed"

// Files contains the SQL migrations; *.up.sql files apply in filename order.
//
//go:embed *.sql
var Files embed.FS
