package dbft

import "github.com/duoprime/dbft/pkg/payload"

// messageBox holds every future-height message observed for one block index,
// bucketed by kind so start() can replay them once that height is reached.
type messageBox struct {
	prepare []payload.ConsensusPayload
	chViews []payload.ConsensusPayload
	commit  []payload.ConsensusPayload
}

// cache buffers consensus payloads whose height is ahead of the local
// context, so a lagging node doesn't discard proofs it will need the moment
// it catches up (see OnReceive's "caching message from future" path).
type cache struct {
	mail map[uint32]*messageBox
}

func newCache() cache {
	return cache{mail: make(map[uint32]*messageBox)}
}

func (c *cache) addMessage(m payload.ConsensusPayload) {
	box, ok := c.mail[m.Height()]
	if !ok {
		box = &messageBox{}
		c.mail[m.Height()] = box
	}

	switch m.Type() {
	case payload.PrepareRequestType, payload.PrepareResponseType:
		box.prepare = append(box.prepare, m)
	case payload.ChangeViewType:
		box.chViews = append(box.chViews, m)
	case payload.CommitType:
		box.commit = append(box.commit, m)
	}
}

// getHeight pops and returns every message cached for height h.
func (c *cache) getHeight(h uint32) *messageBox {
	box, ok := c.mail[h]
	if !ok {
		return nil
	}
	delete(c.mail, h)
	return box
}
