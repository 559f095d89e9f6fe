package web

import "embed"

// FS holds the dashboard page served at /.
//
//go:embed *.html *.css *.js
var FS embed.FS
