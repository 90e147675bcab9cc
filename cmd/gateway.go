/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/ticker-gateway/internal/bootstrap"
	"github.com/spf13/cobra"
)

// gatewayCmd represents the gateway command
var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Market data streaming gateway",
	Long: `Gateway maintains a single upstream broker connection and fans live
price ticks out to websocket client sessions.

This service acts as a central hub that:
- Holds one authenticated connection to the broker tick feed
- Tracks per-session symbol subscriptions and fans ticks out
- Falls back to REST quote polling when the broker feed is unavailable
- Serves quote, candle and price alert REST endpoints`,
	Run: bootstrap.StartGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}
