package main

import "github.com/tanq16/segget/cmd"

func main() {
	cmd.Execute()
}
