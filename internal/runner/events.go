package runner

import "github.com/kassian/sellagent/internal/models"

// Kind enumerates the event types the runner emits (§4.B/§4.C).
type Kind int

const (
	KindInitialChat Kind = iota
	KindLastChatMessageChanged
	KindChatsListChanged
	KindNewMessage
	KindInitialOrder
	KindNewOrder
	KindOrderStatusChanged
	KindOrdersListChanged
)

func (k Kind) String() string {
	switch k {
	case KindInitialChat:
		return "InitialChat"
	case KindLastChatMessageChanged:
		return "LastChatMessageChanged"
	case KindChatsListChanged:
		return "ChatsListChanged"
	case KindNewMessage:
		return "NewMessage"
	case KindInitialOrder:
		return "InitialOrder"
	case KindNewOrder:
		return "NewOrder"
	case KindOrderStatusChanged:
		return "OrderStatusChanged"
	case KindOrdersListChanged:
		return "OrdersListChanged"
	default:
		return "Unknown"
	}
}

// MessageEventsStack bundles sibling NewMessage events produced by one
// history fetch for one chat, so handlers can inspect peers to deduplicate
// log output without re-fetching.
type MessageEventsStack struct {
	Events []*Event
}

// Event is one item the dispatcher consumes. Only the fields relevant to Kind
// are populated. The Order-chain fields below are mutated in place as the
// NewOrder chain runs (classify -> deliver -> update-lot-states), per §4.C's
// "a handler that mutates the event object ... must complete before later
// handlers in the same chain run".
type Event struct {
	Kind Kind
	Tag  string

	Chat  *models.ChatShortcut
	Order *models.OrderShortcut

	Message     *models.Message
	Stack       *MessageEventsStack
	BuyerTotal  int
	SellerTotal int

	// ADRule is the auto-delivery rule classify_against_ad_cfg matched
	// against Order.SubcategoryName, or nil if none matched.
	ADRule *models.AutoDeliveryRule
	// Synthetic marks a fabricated event (the test-auto-delivery sentinel
	// order), which deliver_goods must not attempt to refund.
	Synthetic bool

	Delivered      bool
	DeliveryText   string
	GoodsDelivered int
	GoodsLeft      int
	Errored        bool
	ErrorMessage   string
}
