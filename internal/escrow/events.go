package escrow

import "time"

// Event records one successful state transition. The engine emits events to
// an injected Notifier after the store commit; the transport layer decides
// how (and whether) to relay them to users. A failed or slow notification
// never affects the transition.
type Event struct {
	TradeID   string    `json:"tradeId"`
	Seller    string    `json:"seller"`
	Buyer     string    `json:"buyer,omitempty"`
	OldStatus Status    `json:"oldStatus,omitempty"`
	NewStatus Status    `json:"newStatus"`
	At        time.Time `json:"at"`
}

// Notifier receives transition events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }
