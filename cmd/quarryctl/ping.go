package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go.quarry.dev/quarry/pkg/client"
)

var pingCmd = &cobra.Command{
	Use:   "ping <host:port>",
	Short: "Request a server's status JSON and measure round-trip latency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initLogger(viperDebug()); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		st, err := client.Ping(ctx, args[0], args[0], 25565)
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		fmt.Printf("protocol: %d\nlatency:  %s\nstatus:   %s\n", st.Protocol, st.Latency, st.JSON)
		return nil
	},
}
