// lsendctl is the command-line client for a running lsendd agent.
package main

import "github.com/quietwire/lsend/cmd/lsendctl/commands"

func main() {
	commands.Execute()
}
