package main

import "github.com/chfs-io/chfs/cmd/chfs/cmd"

func main() {
	cmd.Execute()
}
