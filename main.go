// The main package for the robustfetch executable.
package main

import (
	"github.com/JakeFAU/robustfetch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
