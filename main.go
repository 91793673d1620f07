package main

import "github.com/brensch/arcaudit/cmd"

func main() {
	cmd.Execute()
}
