package peer

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/telecall/internal/util"
)

// controlMessage travels over the control DataChannel.
type controlMessage struct {
	Kind    string `json:"kind"` // "audio" | "video"
	Enabled bool   `json:"enabled"`
}

// sendControl records m as the latest state of its kind and sends that
// latest state once the channel is open.
func (l *Link) sendControl(m controlMessage) {
	l.mu.Lock()
	l.control[m.Kind] = m
	l.mu.Unlock()

	go func() {
		select {
		case <-l.openSignal:
		case <-l.done:
			return
		}

		l.mu.Lock()
		latest := l.control[m.Kind]
		l.mu.Unlock()

		data, err := json.Marshal(latest)
		if err != nil {
			return
		}
		if err := l.dc.Send(data); err != nil {
			util.LogDebug("peer: control send failed: %v", err)
		}
	}()
}

func (l *Link) handleControl(msg webrtc.DataChannelMessage) {
	var m controlMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		util.LogDebug("peer: bad control message: %v", err)
		return
	}
	if l.events.OnRemoteMedia == nil {
		return
	}
	l.events.OnRemoteMedia(webrtc.NewRTPCodecType(m.Kind), m.Enabled)
}
