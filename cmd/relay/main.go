package main

import "github.com/THPTUHA/relay/server/cmd"

func main() {
	cmd.Execute()
}
