package models

// ChatShortcut is one row of the chat_bookmarks listing: a compact view of a
// conversation's latest state, keyed by ChatID.
type ChatShortcut struct {
	ChatID            int64
	CounterpartyName  string
	LastMessageText   string
	LastNodeMsgID     int64
	LastUserMsgID     int64
	Unread            bool
	RawHTML           string
}

// MessageType is a closed enum of system-notice kinds plus NonSystem for
// everything else. Detection is by locale-insensitive regex over the
// normalized message text — see internal/classify.
type MessageType string

const (
	MsgOrderPurchased       MessageType = "ORDER_PURCHASED"
	MsgOrderConfirmed       MessageType = "ORDER_CONFIRMED"
	MsgOrderReopened        MessageType = "ORDER_REOPENED"
	MsgRefund               MessageType = "REFUND"
	MsgRefundByAdmin        MessageType = "REFUND_BY_ADMIN"
	MsgPartialRefund        MessageType = "PARTIAL_REFUND"
	MsgNewFeedback          MessageType = "NEW_FEEDBACK"
	MsgFeedbackChanged      MessageType = "FEEDBACK_CHANGED"
	MsgFeedbackDeleted      MessageType = "FEEDBACK_DELETED"
	MsgNewFeedbackAnswer    MessageType = "NEW_FEEDBACK_ANSWER"
	MsgOrderConfirmedByAdmin MessageType = "ORDER_CONFIRMED_BY_ADMIN"
	MsgDearVendors          MessageType = "DEAR_VENDORS"
	MsgDiscord              MessageType = "DISCORD"
	MsgNonSystem            MessageType = "NON_SYSTEM"
)

// Message is one chat entry, either plain text or an image reference.
type Message struct {
	ID             int64
	ChatID         int64
	ChatName       string
	AuthorID       int64
	Author         string
	Text           string
	ImageRef       string
	Type           MessageType
	Badge          string // non-empty tags an auto-reply/employee notice; blocks greeting
	IsEmployee     bool
	IsAutoReply    bool
	ByBot          bool
	ByVertex       bool
	InterlocutorID int64 // 0 when unknown
}

// IsImage reports whether this message is an image placeholder rather than text.
func (m *Message) IsImage() bool {
	return m.ImageRef != ""
}
