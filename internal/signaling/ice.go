package signaling

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig lists the STUN and TURN endpoints advertised to clients.
type ICEConfig struct {
	STUNURLs       []string
	TURNURL        string
	TURNUsername   string
	TURNCredential string
}

// BuildICEServers converts cfg into pion ICE server descriptors. A TURN
// server without credentials is skipped.
func BuildICEServers(cfg ICEConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)
	var stun []string
	for _, url := range cfg.STUNURLs {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			stun = append(stun, trimmed)
		}
	}
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	turnURL := strings.TrimSpace(cfg.TURNURL)
	if turnURL != "" && cfg.TURNUsername != "" && cfg.TURNCredential != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{turnURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	return servers
}
