package main

import "github.com/triage-ai/realmgate/internal/cli"

func main() {
	cli.Execute()
}
