// gobierctl -- CLI client for the GoBIER daemon.
package main

import "github.com/dantte-lp/gobier/cmd/gobierctl/commands"

func main() {
	commands.Execute()
}
