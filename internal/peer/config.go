package peer

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when Config.ICEServers is empty.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config configures a Link.
type Config struct {
	ICEServers []string

	// DisconnectedGrace is how long ICE may stay disconnected before the
	// link reports failure.
	DisconnectedGrace time.Duration

	// IncludeLoopback gathers loopback candidates so two links in one
	// process can connect without a network.
	IncludeLoopback bool

	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	out := c
	if out.ICEServers == nil {
		out.ICEServers = DefaultSTUNServers
	}
	if out.DisconnectedGrace <= 0 {
		out.DisconnectedGrace = 10 * time.Second
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

// newPeerConnection builds a PeerConnection with the default codecs
// (Opus, VP8 and friends) and the default interceptor chain (NACK, RTCP
// reports, TWCC).
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// pion's own failed timeout sits past the grace window so the grace
	// timer decides.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(5*time.Second, cfg.DisconnectedGrace+5*time.Second, 2*time.Second)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// newControlChannel creates the pre-negotiated control DataChannel. Both
// sides create it with ID 0, so no OnDataChannel round trip is needed and
// every offer carries an application m-line.
func newControlChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("control", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
