package main

import "github.com/foxbiz/better-keep-sub001/cli/cmd"

func main() {
	cmd.Execute()
}
