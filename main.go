// ./main.go
package main

import (
	"github.com/xkilldash9x/chromeherd/cmd"
)

// main is the entry point for the chromeherd CLI.
func main() {
	cmd.Execute()
}
