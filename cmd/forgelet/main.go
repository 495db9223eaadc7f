package main

import (
	"github.com/forgelet/forgelet/cmd/forgelet/cmd"
)

func main() {
	cmd.Execute()
}
