package httpserver

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed viewer/*
var viewerFiles embed.FS

// viewerHandler serves the browser viewer that dials the signaling endpoint
// and plays the stream.
func viewerHandler() http.Handler {
	root, err := fs.Sub(viewerFiles, "viewer")
	if err != nil {
		// The embedded tree is fixed at build time.
		panic(err)
	}
	return http.FileServerFS(root)
}
