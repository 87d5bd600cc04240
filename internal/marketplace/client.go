// Package marketplace defines a typed facade over the upstream web
// marketplace, the same way the teacher's internal/market package defines
// MarketProvider as a generic abstraction over a concrete broker SDK.
package marketplace

import (
	"github.com/kassian/sellagent/internal/models"
)

// FieldsBag is the opaque field set round-tripped through get_lot_fields and
// save_lot. The core only ever reads/writes the "active" and "auto_delivery"
// keys; every other key passes through untouched.
type FieldsBag map[string]string

// SalesPage is one page of get_sales results.
type SalesPage struct {
	NextCursor      string // empty means no further page
	Orders          []models.OrderShortcut
	OwnBuyerStats   map[string]int
	OwnSellerStats  map[string]int
}

// Client is a typed facade over the upstream. All methods block; callers
// must offload to the worker pool if non-blocking semantics are required.
type Client interface {
	// Get refreshes the session cookie + CSRF token. Idempotent.
	Get(updateSession bool) error

	// GetUser parses a public profile page.
	GetUser(uid string) (*models.Profile, error)

	// GetSales is paginated; cursor is empty on the first call.
	GetSales(cursor string) (*SalesPage, error)

	// GetChatHistories batch-fetches message history for the given chats.
	// interlocutorIDs is optional (nil means "do not also probe presence").
	GetChatHistories(chatNames map[int64]string, interlocutorIDs []int64) (map[int64][]models.Message, error)

	// SendMessage posts one message. On HTTP 400 with a locale-agnostic
	// "refresh the page" body, implementations refresh the session once and
	// retry exactly one time internally.
	SendMessage(chatID int64, text string, chatName string, interlocutorID int64, imageID string, leaveAsUnread bool) (*models.Message, error)

	// SendImage has the same retry contract as SendMessage.
	SendImage(chatID int64, imageID string, chatName string, interlocutorID int64, leaveAsUnread bool) (*models.Message, error)

	// RaiseLots requests a category raise for the given subcategory ids.
	RaiseLots(categoryID string, subcategoryIDs []string) error

	// GetBalance samples a lot id to determine seller balance.
	GetBalance(sampleLotID string) (*models.Balance, error)

	// GetExchangeRate reconciles the account's displayed currency across two
	// probes (see internal/marketplace/webclient for the implementation) and
	// returns the rate plus the observed account currency.
	GetExchangeRate(target models.Currency) (rate float64, accountCurrency models.Currency, err error)

	// Refund makes a single attempt; any retries are up to the caller.
	Refund(orderID string) error

	// GetLotFields/SaveLot round-trip the opaque fields bag.
	GetLotFields(lotID string) (FieldsBag, error)
	SaveLot(bag FieldsBag) error

	// UploadImage uploads local image bytes and returns an image id usable
	// with SendImage / $photo= tokens.
	UploadImage(data []byte, filename string) (imageID string, err error)

	// Poll submits one long-poll cycle's interest set and returns the raw
	// response objects, in upstream order. The event runner owns parsing
	// each object's Data payload (HTML for chat_bookmarks, JSON for
	// orders_counters) — the client's job stops at the wire.
	Poll(objects []PollRequestObject) ([]PollResponseObject, error)
}

// PollRequestObject names one object of interest in a long-poll cycle.
type PollRequestObject struct {
	Type string
	Tag  string
	Data string
}

// PollResponseObject is one element of the long-poll response's objects array.
type PollResponseObject struct {
	Type string
	Tag  string
	Data string
}

// ParseWaitTime scans text for the first integer N and categorizes the
// result by locale-agnostic keyword presence, per §4.A's parse_wait_time
// table: "sec" -> N (default 2); "min" -> (N-1)*60 (default 60);
// "hour" -> (N-0.5)*3600 (default 3600); otherwise 10.
func ParseWaitTime(text string) int {
	return parseWaitTime(text)
}
