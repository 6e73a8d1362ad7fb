//go:build !test

// This file wires in the SQL drivers for the offline cache store only in
// production builds.  `go test -tags test` skips it so package tests stay
// fast; the database package tests import sqlite themselves.
package main

import "chronos-map/pkg/database/drivers"

func init() {
	drivers.Ready()
}
