// The main package for the bookwatch executable.
package main

import (
	"github.com/bookwatch/bookwatch/cmd"
)

func main() {
	cmd.Execute()
}
