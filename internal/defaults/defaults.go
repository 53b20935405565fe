// Package defaults provides the example configuration and prompt files
// written by the hark init subcommand.
package defaults

import "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

// Prompts holds the shipped prompt files under prompts/.
//
//go:embed prompts/*.txt
var Prompts embed.FS
