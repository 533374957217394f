//go:build !cgo

package main

const libsqlAvailable = false
