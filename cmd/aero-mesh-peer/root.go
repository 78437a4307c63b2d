package main

import (
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

// peerFlags holds flags shared by every subcommand. Empty values fall back to
// the environment.
type peerFlags struct {
	opts config.PeerOptions
}

func newRootCmd() *cobra.Command {
	f := &peerFlags{}
	root := &cobra.Command{
		Use:   "aero-mesh-peer",
		Short: "Headless participant for full-mesh WebRTC rooms",
		Long: `aero-mesh-peer joins a room on an aero-mesh-signal server and keeps a direct
WebRTC connection to every other participant.

Examples:
  aero-mesh-peer join --room lobby
  aero-mesh-peer join --room lobby --publish --video-file clip.ivf
  aero-mesh-peer roster --room lobby
  aero-mesh-peer discover`,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.opts.ServerURL, "server", "", "Signaling endpoint, ws:// or wss:// (env AERO_MESH_SERVER_URL)")
	pf.StringVar(&f.opts.Room, "room", "", "Room to join or query (env AERO_MESH_ROOM)")
	pf.StringVar(&f.opts.LogFormat, "log-format", "", "Log format: text or json (env AERO_MESH_PEER_LOG_FORMAT)")
	pf.StringVar(&f.opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (env AERO_MESH_PEER_LOG_LEVEL)")

	root.AddCommand(newJoinCmd(f), newRosterCmd(f), newDiscoverCmd(f))
	return root
}
