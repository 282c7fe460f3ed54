// The main package for the imagery-worker executable.
package main

import (
	"github.com/JakeFAU/place-imagery-worker/cmd"
)

func main() {
	cmd.Execute()
}
