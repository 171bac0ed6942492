package main

import "github.com/roost-dev/roost/internal/cmd"

func main() {
	cmd.Execute()
}
