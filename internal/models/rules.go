package models

// AutoReplyRule is keyed by a normalized lowercased command (all
// newlines stripped). A pipe-joined alias list in the config fans out to
// several rules sharing Response/Notification settings.
type AutoReplyRule struct {
	Command              string
	Response             string
	TelegramNotification bool
	NotificationText     string
}

// AutoDeliveryRule is keyed by lot title.
type AutoDeliveryRule struct {
	LotTitle              string
	Response              string // must contain $product when ProductsFileName is set
	ProductsFileName      string // empty when this lot is not inventory-backed
	Disable               bool
	DisableMultiDelivery  bool
	DisableAutoRestore    bool
	DisableAutoDisable    bool
}
