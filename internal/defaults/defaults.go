// Package defaults provides the embedded example configuration for
// the toolrelay init subcommand.
package defaults

import _ "embed"

//go:embed toolrelay.example.yaml
var ConfigYAML []byte
