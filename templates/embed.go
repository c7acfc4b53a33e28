// Package templates embeds the default device configuration.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
