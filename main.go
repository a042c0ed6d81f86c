// The main package for the docharvest executable.
package main

import "github.com/JakeFAU/docharvest/cmd"

func main() {
	cmd.Execute()
}
