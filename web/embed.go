package webassets

import "embed"

// FS contains the dashboard page and its session client script.
//
//go:embed index.html session-client.js
var FS embed.FS
