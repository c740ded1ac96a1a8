package main

import "github.com/nearbycore/nearby/cmd/nearbyctl/commands"

func main() {
	commands.Execute()
}
