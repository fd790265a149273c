// Package ui embeds the small recommendation explorer served under /ui/.
package ui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var content embed.FS

// GetHandler serves the embedded files with the "static" prefix removed.
func GetHandler() http.Handler {
	fsys, err := fs.Sub(content, "static")
	if err != nil {
		panic(err) // embed guarantees the directory exists
	}
	return http.FileServer(http.FS(fsys))
}
