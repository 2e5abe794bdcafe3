// The main package for the restock executable.
package main

import "github.com/JakeFAU/restock-monitor/cmd"

func main() {
	cmd.Execute()
}
