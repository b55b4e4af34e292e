package main

import "github.com/oubliette-sandbox/oubliette/cmd/oubliette/cmd"

func main() {
	cmd.Execute()
}
