// Command pigdo reconstructs an image file from a .jigdo manifest and
// its matching .template file, fetching component parts from
// whatever mirrors the manifest and --mirror flags make available.
package main

import (
	"github.com/dadap/pigdo/cmd/pigdo/cmd"
)

func main() {
	cmd.Execute()
}
