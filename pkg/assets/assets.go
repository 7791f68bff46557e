// Package assets embeds the browser UI served at the gateway root.
package assets

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed files/static/*
var FS embed.FS

func Handler() http.Handler {
	sub, err := fs.Sub(FS, "files/static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
