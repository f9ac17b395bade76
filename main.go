package main

import "github.com/1mcp-app/agent/cmd/agent"

// version can be set during build with -ldflags
var version = "dev"

func main() {
	agent.SetVersion(version)
	agent.Execute()
}
