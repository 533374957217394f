//go:build cgo

package main

import (
	_ "github.com/tursodatabase/go-libsql"
)

const libsqlAvailable = true
