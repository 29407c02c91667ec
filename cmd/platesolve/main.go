package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/w1xm/platesolve/cmd/platesolve/commands"
)

func main() {
	commands.Execute()
}
