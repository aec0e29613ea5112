package directory

import (
	"context"
	"encoding/json"

	"github.com/1ureka/telecall/internal/protocol"
	"github.com/1ureka/telecall/internal/util"
)

// Publisher is the relay surface used to announce record changes.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Notifying wraps a Directory and publishes every created or changed
// record to the calls topic of both parties. Publishing is best effort;
// a failed publish never fails the write.
type Notifying struct {
	Directory
	pub Publisher
}

func NewNotifying(dir Directory, pub Publisher) *Notifying {
	return &Notifying{Directory: dir, pub: pub}
}

func (n *Notifying) Create(ctx context.Context, call NewCall) (Record, error) {
	rec, err := n.Directory.Create(ctx, call)
	if err != nil {
		return rec, err
	}
	n.announce(ctx, rec)
	return rec, nil
}

func (n *Notifying) Transition(ctx context.Context, id string, status Status) (Record, error) {
	before, _ := n.Directory.Get(ctx, id)
	rec, err := n.Directory.Transition(ctx, id, status)
	if err != nil || rec.Status == before.Status {
		return rec, err
	}
	n.announce(ctx, rec)
	return rec, nil
}

func (n *Notifying) announce(ctx context.Context, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		util.LogError("encode call record %s: %v", util.ShortID(rec.ID), err)
		return
	}
	for _, party := range []string{rec.CallerID, rec.ReceiverID} {
		if err := n.pub.Publish(ctx, protocol.CallsTopic(party), data); err != nil {
			util.LogWarning("announce call %s to %s: %v", util.ShortID(rec.ID), party, err)
		}
	}
}
