package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/discovery"
)

func newDiscoverCmd(_ *peerFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find signaling servers advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := discovery.Browse(cmd.Context(), discovery.BrowseConfig{Timeout: timeout})
			if err != nil {
				return err
			}
			fmt.Println(discoveryView(servers))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultBrowseTimeout, "How long to listen for announcements")
	return cmd
}
