// Package schemas содержит JSON-схемы событий шины, встроенные в бинарник
package schemas

import "embed"

//go:embed events
var SchemasFS embed.FS
