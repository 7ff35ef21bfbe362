// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/pqchat/lib/config"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. An empty list gathers host candidates only.
	Servers []webrtc.ICEServer
}

// ICEConfigFromConfig converts the ice section of the configuration
// into pion ICE servers. STUN URLs never carry credentials; the
// configured username and credential apply to TURN URLs only.
func ICEConfigFromConfig(ice config.ICEConfig) ICEConfig {
	var stun, turn []string
	for _, url := range ice.URLs {
		switch {
		case isTURN(url):
			turn = append(turn, url)
		default:
			stun = append(stun, url)
		}
	}

	var result ICEConfig
	if len(stun) > 0 {
		result.Servers = append(result.Servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		result.Servers = append(result.Servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}
	return result
}

func isTURN(url string) bool {
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}
