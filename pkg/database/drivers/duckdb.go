//go:build cgo && duckdb && (linux || darwin) && (amd64 || arm64)

// DuckDB needs CGO, so it is opt-in:
//
//	CGO_ENABLED=1 go build -tags duckdb
package drivers

import (
	_ "github.com/marcboeker/go-duckdb"
)
