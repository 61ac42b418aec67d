package main

import "github.com/kozaktomas/checkpoint/cmd"

func main() {
	cmd.Execute()
}
