// obridge MCP server - exposes escrow and swap operations as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/obridge/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:       envOrDefault("OBRIDGE_API_URL", "http://localhost:8080"),
		APIKey:       os.Getenv("OBRIDGE_API_KEY"),
		AgentAddress: os.Getenv("OBRIDGE_AGENT_ADDRESS"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "OBRIDGE_API_KEY is required")
		os.Exit(1)
	}
	if cfg.AgentAddress == "" {
		fmt.Fprintln(os.Stderr, "OBRIDGE_AGENT_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
