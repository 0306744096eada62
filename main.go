package main

import "github.com/githubkpis/analyzer/cmd"

func main() {
	cmd.Execute()
}
