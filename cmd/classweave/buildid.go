// buildid.go implements the 'classweave buildid' command.
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/classweave/internal/buildid"
)

// buildIDCommand prints the build id of each classes directory. The id is
// the one 'classweave instrument' stamps into the configured class.
//
// Example:
//
//	classweave buildid build/classes
func buildIDCommand(args []string) {
	if len(args) == 0 {
		args = []string{"."}
	}
	for _, dir := range args {
		id, err := buildid.FromDir(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(args) == 1 {
			fmt.Println(id)
			continue
		}
		fmt.Printf("%s  %s\n", id, dir)
	}
}
