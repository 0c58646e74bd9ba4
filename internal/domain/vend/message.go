package vend

type MessageType string

const (
	// Commands.
	TypeVend   MessageType = "vend"
	TypeStatus MessageType = "status"

	// Replies and broadcasts.
	TypeAccepted MessageType = "vend-accepted"
	TypeBusy     MessageType = "vend-busy"
	TypeRejected MessageType = "vend-rejected"
	TypeComplete MessageType = "vend-complete"
	TypeError    MessageType = "error"

	// Local notices raised by the link client; never sent on the wire.
	TypeLinkUp   MessageType = "link-up"
	TypeLinkDown MessageType = "link-down"
)

// Message is the JSON frame carried by the device link.
type Message struct {
	Type           MessageType `json:"type"`
	ID             string      `json:"id,omitempty"`
	CycleID        string      `json:"cycleId,omitempty"`
	State          State       `json:"state,omitempty"`
	Items          []int64     `json:"items,omitempty"`
	ElapsedMS      int64       `json:"elapsed,omitempty"`
	DispensedItems []int64     `json:"dispensedItems,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

// EventName lets messages travel on the in-process event bus.
func (m Message) EventName() string { return string(m.Type) }

// IsReply reports whether m answers a vend command directly.
func (m Message) IsReply() bool {
	switch m.Type {
	case TypeAccepted, TypeBusy, TypeRejected:
		return true
	}
	return false
}

func NewVendCommand(id string, items []int64) Message {
	return Message{Type: TypeVend, ID: id, Items: CopyItems(items)}
}
