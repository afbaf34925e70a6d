package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerName identifies the MCP server in initialize responses
const ServerName = "mcp-vinreport"

// NewSessionServerFactory returns a factory building one MCP server per
// session. All instances share the producer (usually a Cache), but each
// session keeps its own protocol state.
func NewSessionServerFactory(producer Producer, version string, logger *slog.Logger) func() *server.MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return func() *server.MCPServer {
		mcpServer := server.NewMCPServer(
			ServerName,
			version,
			server.WithToolCapabilities(false),
		)
		registerVehicleReportTool(mcpServer, producer, logger)
		return mcpServer
	}
}

func registerVehicleReportTool(mcpServer *server.MCPServer, producer Producer, logger *slog.Logger) {
	tool := mcp.NewTool("vehicle_report",
		mcp.WithDescription("Produce a vehicle report for a VIN (vehicle identification number)."),
		mcp.WithString("vin",
			mcp.Required(),
			mcp.Description("The 17-character vehicle identification number"),
		),
	)

	mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		vin, err := request.RequireString("vin")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		vin = NormalizeVIN(vin)
		if err := ValidateVIN(vin); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid VIN: %v", err)), nil
		}

		rep, err := producer.Produce(ctx, vin)
		if err != nil {
			logger.Warn("Report production failed", "vin", vin, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("failed to produce report: %v", err)), nil
		}

		body, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal report: %w", err)
		}
		return mcp.NewToolResultText(string(body)), nil
	})
}
