package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

func newRosterCmd(f *peerFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "roster",
		Short: "Print the participants currently in a room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPeerFromEnv(f.opts)
			if err != nil {
				return err
			}
			if cfg.Room == "" {
				return errors.New("AERO_MESH_ROOM/--room is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
			defer cancel()
			roster, err := fetchRoster(ctx, http.DefaultClient, cfg.ServerURL, cfg.Room)
			if err != nil {
				return err
			}
			fmt.Println(rosterView(cfg.Room, roster, ""))
			return nil
		},
	}
}

// rosterURL maps the signaling endpoint to the roster endpoint of room on the
// same server.
func rosterURL(serverURL, room string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/rooms/" + url.PathEscape(room)
	u.RawPath = ""
	u.RawQuery = ""
	return u.String(), nil
}

func fetchRoster(ctx context.Context, client *http.Client, serverURL, room string) ([]string, error) {
	target, err := rosterURL(serverURL, room)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}

	var body struct {
		Roster []string `json:"roster"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	return body.Roster, nil
}
