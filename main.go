package main

import "github.com/vitaltag/vitaltag/cmd"

func main() {
	cmd.Execute()
}
