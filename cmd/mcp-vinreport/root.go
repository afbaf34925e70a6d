package main

import (
	"github.com/spf13/cobra"
)

// rootCmd is the entry point for the mcp-vinreport binary
var rootCmd = &cobra.Command{
	Use:   "mcp-vinreport",
	Short: "VIN-report MCP service with an embedded OAuth 2.1 authorization server",
	Long: `mcp-vinreport serves vehicle reports to MCP clients over HTTP.

It embeds an OAuth 2.1 authorization server (dynamic client registration,
authorization-code grant with mandatory PKCE, refresh token rotation) and a
capacity-bounded session broker multiplexing MCP sessions over /mcp.

All authorization state is process-local and non-durable: a restart discards
outstanding codes, tokens, and sessions, and clients re-authenticate.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "mcp-vinreport version %s\n" .Version}}`)
}
