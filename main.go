package main

import "github.com/agentic-research/tracemerge/cmd"

func main() {
	cmd.Execute()
}
