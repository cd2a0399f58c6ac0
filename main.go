package main

import "github.com/litcodeur/luminardb/cmd"

func main() {
	cmd.Execute()
}
