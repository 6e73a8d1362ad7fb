package drivers

import (
	// Registers the "pgx" driver name for PostgreSQL.
	_ "github.com/jackc/pgx/v5/stdlib"
)
