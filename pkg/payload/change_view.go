package payload

import (
	dbftio "github.com/duoprime/dbft/pkg/io"
)

// ChangeView requests moving the round to a new view.
type ChangeView interface {
	dbftio.Serializable

	NewViewNumber() uint8
	Reason() ChangeViewReason
	Timestamp() uint64

	SetNewViewNumber(uint8)
	SetReason(ChangeViewReason)
	SetTimestamp(uint64)
}

type changeView struct {
	newViewNumber uint8
	reason        ChangeViewReason
	timestamp     uint64
}

var _ ChangeView = (*changeView)(nil)

// NewChangeView returns a blank ChangeView ready for decoding or field
// assignment.
func NewChangeView() ChangeView { return &changeView{} }

func (c *changeView) NewViewNumber() uint8          { return c.newViewNumber }
func (c *changeView) Reason() ChangeViewReason      { return c.reason }
func (c *changeView) Timestamp() uint64             { return c.timestamp }
func (c *changeView) SetNewViewNumber(v uint8)       { c.newViewNumber = v }
func (c *changeView) SetReason(r ChangeViewReason)   { c.reason = r }
func (c *changeView) SetTimestamp(ts uint64)         { c.timestamp = ts }

// EncodeBinary implements io.Serializable.
func (c *changeView) EncodeBinary(w *dbftio.BinWriter) {
	w.WriteB(c.newViewNumber)
	w.WriteB(byte(c.reason))
	w.WriteU64LE(c.timestamp)
}

// DecodeBinary implements io.Serializable.
func (c *changeView) DecodeBinary(r *dbftio.BinReader) {
	c.newViewNumber = r.ReadB()
	c.reason = ChangeViewReason(r.ReadB())
	c.timestamp = r.ReadU64LE()
}
