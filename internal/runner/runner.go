// Package runner implements the long-poll event pipeline (§4.B): one
// logical goroutine submits poll cycles, turns the raw response into a
// stream of typed events, and tracks the cursors needed to detect
// duplicates across cycles.
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/kassian/sellagent/internal/marketplace"
	"github.com/kassian/sellagent/internal/models"
)

type chatCursor struct {
	NodeMsgID int64
	UserMsgID int64
	LastText  string
}

// DegradedSignal lets the runner report a persistent network failure to the
// supervisor without importing internal/supervisor (which depends on this
// package's Pause/Resume controls), mirroring internal/raise's DegradedSignal.
type DegradedSignal interface {
	EnterDegraded(reason string)
}

// Runner owns the per-account cursors and drives one poll cycle at a time.
// Cycles never overlap: Run is meant to be called from a single goroutine.
type Runner struct {
	Client marketplace.Client

	// Degraded receives EnterDegraded("proxy-blocked") when a poll cycle
	// exhausts its retries on a network-shaped failure (§4.G's S5).
	Degraded DegradedSignal

	// BotCharacter/OldBotCharacter are the leading marker runes stripped from
	// displayed chat text to classify by_bot/by_vertex (§4.B).
	BotCharacter    string
	OldBotCharacter string

	// RunnerLen bounds how many chats are fetched per history-fetch pack.
	RunnerLen int

	// MakeMessageRequests disables history fetching entirely when false
	// (fetches only the raw bookmark cursors).
	MakeMessageRequests bool
	// MakeOrderRequests disables the sales re-fetch entirely when false.
	MakeOrderRequests bool

	// MaxPollRetries is how many consecutive poll failures Run tolerates
	// before escalating (network-shaped errors go to Degraded; anything else
	// returns from Run). Defaults to 5 when zero.
	MaxPollRetries int

	mu                  sync.Mutex
	firstRequest        bool
	lastMsgTag          string
	lastOrderTag        string
	chatCursors         map[int64]chatCursor
	lastMessageIDs      map[int64]int64
	byBotIDs            map[int64][]int64
	savedOrders         map[string]models.OrderShortcut
	interlocutorIDs     map[int64]struct{}

	lastActivity int64 // unix nanos, atomic
	generation   int64 // atomic; bumped to cancel an in-flight cycle

	pauseCh chan bool
	paused  bool
}

// New builds a Runner with the spec's defaults (runner_len=10, both request
// kinds enabled). The runner starts paused: per §2's startup order ("once
// healthy, G starts B, E"), the supervisor calls Resume once it reaches
// StateHealthy.
func New(client marketplace.Client) *Runner {
	return &Runner{
		Client:              client,
		BotCharacter:        "🤖",
		OldBotCharacter:     "⭐",
		RunnerLen:           10,
		MakeMessageRequests: true,
		MakeOrderRequests:   true,
		firstRequest:        true,
		lastMsgTag:          randomTag(),
		lastOrderTag:        randomTag(),
		chatCursors:         make(map[int64]chatCursor),
		lastMessageIDs:      make(map[int64]int64),
		byBotIDs:            make(map[int64][]int64),
		savedOrders:         make(map[string]models.OrderShortcut),
		interlocutorIDs:     make(map[int64]struct{}),
		pauseCh:             make(chan bool, 1),
		paused:              true,
	}
}

// Pause halts polling before the next cycle (the supervisor calls this on
// entering any degraded state, and the event pipeline starts paused until
// the first Resume).
func (r *Runner) Pause() {
	select {
	case r.pauseCh <- true:
	default:
	}
}

// Resume lets polling proceed again (the supervisor calls this on reaching
// StateHealthy).
func (r *Runner) Resume() {
	select {
	case r.pauseCh <- false:
	default:
	}
}

func randomTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Generation returns the current cancellation token.
func (r *Runner) Generation() int64 { return atomic.LoadInt64(&r.generation) }

// Cancel bumps the generation token, causing the in-flight or next cycle to
// abort before processing.
func (r *Runner) Cancel() { atomic.AddInt64(&r.generation, 1) }

// LastActivity reports when the top of the last poll cycle began (§4.B's
// heartbeat, read by the supervisor's watchdog).
func (r *Runner) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&r.lastActivity))
}

func (r *Runner) touchActivity() {
	atomic.StoreInt64(&r.lastActivity, time.Now().UnixNano())
}

// buildRequestObjects assembles one cycle's poll payload: orders_counters,
// chat_bookmarks, and one c-p-u (presence) object per known interlocutor.
func (r *Runner) buildRequestObjects() []marketplace.PollRequestObject {
	r.mu.Lock()
	defer r.mu.Unlock()

	objects := []marketplace.PollRequestObject{
		{Type: "orders_counters", Tag: r.lastOrderTag},
		{Type: "chat_bookmarks", Tag: r.lastMsgTag},
	}
	for id := range r.interlocutorIDs {
		objects = append(objects, marketplace.PollRequestObject{
			Type: "c-p-u",
			Tag:  randomTag(),
			Data: strconv.FormatInt(id, 10),
		})
	}
	return objects
}

// RunOnce executes a single poll cycle: submit, parse, and return the
// resulting events in upstream order (orders_counters processed first).
// The generation is read at cycle start; if Cancel bumps it while the poll
// is in flight, the cycle returns no events.
func (r *Runner) RunOnce() ([]*Event, error) {
	r.touchActivity()
	gen := r.Generation()

	objects := r.buildRequestObjects()
	responses, err := r.Client.Poll(objects)
	if err != nil {
		return nil, fmt.Errorf("runner: poll: %w", err)
	}

	if gen != r.Generation() {
		return nil, nil
	}

	var events []*Event
	var chatObj *marketplace.PollResponseObject
	for i := range responses {
		if responses[i].Type == "chat_bookmarks" {
			chatObj = &responses[i]
			continue
		}
		if responses[i].Type == "orders_counters" {
			events = append(events, r.parseOrderUpdates(&responses[i])...)
		}
	}
	if chatObj != nil {
		events = append(events, r.parseChatUpdates(chatObj)...)
	}

	r.mu.Lock()
	r.firstRequest = false
	r.mu.Unlock()

	return events, nil
}

func (r *Runner) parseOrderUpdates(obj *marketplace.PollResponseObject) []*Event {
	r.mu.Lock()
	r.lastOrderTag = obj.Tag
	first := r.firstRequest
	r.mu.Unlock()

	var events []*Event
	if !first {
		var payload struct {
			Buyer  int `json:"buyer"`
			Seller int `json:"seller"`
		}
		_ = json.Unmarshal([]byte(obj.Data), &payload)
		events = append(events, &Event{Kind: KindOrdersListChanged, Tag: obj.Tag, BuyerTotal: payload.Buyer, SellerTotal: payload.Seller})
	}

	if !r.MakeOrderRequests {
		return events
	}

	orders, ok := r.fetchSalesWithRetry()
	if !ok {
		return events
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[string]models.OrderShortcut, len(orders))
	for _, order := range orders {
		fresh[order.ID] = order
		old, existed := r.savedOrders[order.ID]
		switch {
		case !existed:
			kind := KindNewOrder
			if first {
				kind = KindInitialOrder
			}
			o := order
			events = append(events, &Event{Kind: kind, Tag: obj.Tag, Order: &o})
			if !first && order.Status == models.OrderClosed {
				o2 := order
				events = append(events, &Event{Kind: KindOrderStatusChanged, Tag: obj.Tag, Order: &o2})
			}
		case old.Status != order.Status:
			o := order
			events = append(events, &Event{Kind: KindOrderStatusChanged, Tag: obj.Tag, Order: &o})
		}
	}
	r.savedOrders = fresh
	return events
}

func (r *Runner) fetchSalesWithRetry() ([]models.OrderShortcut, bool) {
	const attempts = 3
	var all []models.OrderShortcut
	for i := 0; i < attempts; i++ {
		cursor := ""
		all = all[:0]
		ok := true
		for {
			page, err := r.Client.GetSales(cursor)
			if err != nil {
				log.Printf("runner: get_sales failed (attempt %d/%d): %v", i+1, attempts, err)
				ok = false
				break
			}
			all = append(all, page.Orders...)
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		if ok {
			return all, true
		}
		time.Sleep(time.Second)
	}
	log.Printf("runner: get_sales exhausted retries")
	return nil, false
}

type queuedChat struct {
	ChatID int64
	Name   string
	FromID int64
	LCMC   *Event
}

func (r *Runner) parseChatUpdates(obj *marketplace.PollResponseObject) []*Event {
	r.mu.Lock()
	r.lastMsgTag = obj.Tag
	first := r.firstRequest
	r.mu.Unlock()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(obj.Data))
	if err != nil {
		log.Printf("runner: parse chat_bookmarks html: %v", err)
		return nil
	}

	var events []*Event
	var lcmcEvents []*Event
	var queued []queuedChat

	doc.Find("a.contact-item").Each(func(_ int, sel *goquery.Selection) {
		chatID, _ := strconv.ParseInt(sel.AttrOr("data-id", "0"), 10, 64)
		if chatID == 0 {
			return
		}
		msgDiv := sel.Find("div.contact-item-message")
		if msgDiv.Length() == 0 {
			return
		}
		lastText := strings.TrimSpace(msgDiv.Text())
		nodeMsgID, _ := strconv.ParseInt(sel.AttrOr("data-node-msg", "0"), 10, 64)
		userMsgID, _ := strconv.ParseInt(sel.AttrOr("data-user-msg", "0"), 10, 64)

		r.mu.Lock()
		prev := r.chatCursors[chatID]
		r.mu.Unlock()
		if nodeMsgID == prev.NodeMsgID {
			return
		}

		byBot := r.BotCharacter != "" && strings.HasPrefix(lastText, r.BotCharacter)
		byVertex := r.OldBotCharacter != "" && strings.HasPrefix(lastText, r.OldBotCharacter)
		cleaned := lastText
		if byBot {
			cleaned = strings.TrimPrefix(lastText, r.BotCharacter)
		} else if byVertex {
			cleaned = strings.TrimPrefix(lastText, r.OldBotCharacter)
		}
		if isImagePlaceholder(cleaned) {
			cleaned = ""
		}

		name := sel.Find("div.media-user-name").Text()
		if strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("ID: %d", chatID)
		}
		unread := strings.Contains(sel.AttrOr("class", ""), "unread")
		html, _ := goquery.OuterHtml(sel)

		chatObj := &models.ChatShortcut{
			ChatID:           chatID,
			CounterpartyName: name,
			LastMessageText:  cleaned,
			LastNodeMsgID:    nodeMsgID,
			LastUserMsgID:    userMsgID,
			Unread:           unread,
			RawHTML:          html,
		}

		r.mu.Lock()
		r.chatCursors[chatID] = chatCursor{NodeMsgID: nodeMsgID, UserMsgID: userMsgID, LastText: cleaned}
		r.mu.Unlock()

		if first {
			events = append(events, &Event{Kind: KindInitialChat, Tag: obj.Tag, Chat: chatObj})
			if r.MakeMessageRequests {
				r.mu.Lock()
				r.lastMessageIDs[chatID] = nodeMsgID
				r.mu.Unlock()
			}
			return
		}

		lcmc := &Event{Kind: KindLastChatMessageChanged, Tag: obj.Tag, Chat: chatObj}
		lcmcEvents = append(lcmcEvents, lcmc)

		r.mu.Lock()
		fromID := r.lastMessageIDs[chatID]
		advanced := nodeMsgID > fromID
		if advanced && r.MakeMessageRequests {
			r.lastMessageIDs[chatID] = nodeMsgID
		}
		r.mu.Unlock()

		if advanced && r.MakeMessageRequests {
			queued = append(queued, queuedChat{ChatID: chatID, Name: name, FromID: fromID, LCMC: lcmc})
		}
	})

	if len(lcmcEvents) > 0 {
		events = append(events, &Event{Kind: KindChatsListChanged, Tag: obj.Tag})
	}

	if len(queued) == 0 {
		events = append(events, lcmcEvents...)
		return events
	}

	for start := 0; start < len(queued); start += r.packSize() {
		end := start + r.packSize()
		if end > len(queued) {
			end = len(queued)
		}
		pack := queued[start:end]

		names := make(map[int64]string, len(pack))
		froms := make(map[int64]int64, len(pack))
		for _, q := range pack {
			names[q.ChatID] = q.Name
			froms[q.ChatID] = q.FromID
		}

		newMsgEvents := r.generateNewMessageEvents(names, froms)

		for _, q := range pack {
			events = append(events, q.LCMC)
			if stack, ok := newMsgEvents[q.ChatID]; ok {
				events = append(events, stack...)
			}
		}
	}

	return events
}

func (r *Runner) packSize() int {
	if r.RunnerLen <= 0 {
		return 10
	}
	return r.RunnerLen
}

// generateNewMessageEvents fetches chat histories with a 3-attempt/1s-gap
// retry, filters to messages newer than each chat's from_id, and wraps
// survivors in a MessageEventsStack (§4.B's "history-fetch retry").
func (r *Runner) generateNewMessageEvents(names map[int64]string, fromIDs map[int64]int64) map[int64][]*Event {
	const attempts = 3
	var histories map[int64][]models.Message
	var err error
	for i := 0; i < attempts; i++ {
		histories, err = r.Client.GetChatHistories(names, nil)
		if err == nil {
			break
		}
		log.Printf("runner: get_chat_histories failed (attempt %d/%d): %v", i+1, attempts, err)
		time.Sleep(time.Second)
	}
	if err != nil {
		log.Printf("runner: get_chat_histories exhausted retries for %d chats", len(names))
		return nil
	}

	result := make(map[int64][]*Event, len(histories))
	r.mu.Lock()
	defer r.mu.Unlock()

	for chatID, msgs := range histories {
		fromID := fromIDs[chatID]
		var fresh []models.Message
		for _, m := range msgs {
			if m.ID > fromID {
				fresh = append(fresh, m)
			}
		}
		if len(fresh) == 0 {
			continue
		}

		known := r.byBotIDs[chatID]
		stack := &MessageEventsStack{}
		evs := make([]*Event, 0, len(fresh))
		for i := range fresh {
			msg := fresh[i]
			if !msg.ByBot && containsInt64(known, msg.ID) {
				msg.ByBot = true
			}
			ev := &Event{Kind: KindNewMessage, Message: &msg, Stack: stack}
			evs = append(evs, ev)
		}
		stack.Events = evs
		result[chatID] = evs

		lastID := fresh[len(fresh)-1].ID
		r.byBotIDs[chatID] = filterGreater(known, lastID)
	}
	return result
}

func containsInt64(xs []int64, v int64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func filterGreater(xs []int64, threshold int64) []int64 {
	var out []int64
	for _, x := range xs {
		if x > threshold {
			out = append(out, x)
		}
	}
	return out
}

// MarkAsByBot records that message_id in chat_id was sent by this bot, so a
// later history fetch that observes it echoed back doesn't misclassify it as
// an incoming command.
func (r *Runner) MarkAsByBot(chatID, messageID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byBotIDs[chatID] = append(r.byBotIDs[chatID], messageID)
}

// UpdateLastMessage seeds the cursor for a chat the core just sent into
// directly (e.g. after delivering goods), so the next cycle doesn't treat the
// bot's own message as new.
func (r *Runner) UpdateLastMessage(chatID, messageID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatCursors[chatID] = chatCursor{NodeMsgID: messageID, UserMsgID: messageID}
	r.lastMessageIDs[chatID] = messageID
}

// TrackInterlocutor adds an id to the presence-probe set used by the next
// cycle's c-p-u objects.
func (r *Runner) TrackInterlocutor(id int64) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interlocutorIDs[id] = struct{}{}
}

// isNetworkish reports whether err is the kind of failure §4.G's S5 routes
// to degraded("proxy-blocked"): an explicit network error, or a generic
// request failure whose body names a dead connection.
func isNetworkish(err error) bool {
	var netErr *marketplace.ErrNetwork
	if errors.As(err, &netErr) {
		return true
	}
	var reqErr *marketplace.ErrRequestFailed
	if errors.As(err, &reqErr) {
		return strings.Contains(reqErr.Body, "RemoteDisconnected") || strings.Contains(reqErr.Body, "EOF")
	}
	return false
}

var imagePlaceholders = []string{"Изображение", "Зображення", "Image"}

func isImagePlaceholder(s string) bool {
	s = strings.TrimSpace(s)
	for _, p := range imagePlaceholders {
		if s == p {
			return true
		}
	}
	return false
}

// Run drives RunOnce in a loop until stop is closed, delivering events to out
// and applying the jittered delay + consecutive-error backoff described in
// §4.B. requestsDelay is the configured base delay in seconds.
func (r *Runner) Run(stop <-chan struct{}, out chan<- *Event, requestsDelay float64) error {
	maxRetries := r.MaxPollRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	consecutiveErrors := 0

	for {
		select {
		case <-stop:
			return nil
		case p := <-r.pauseCh:
			r.paused = p
		default:
		}

		if r.paused {
			select {
			case <-stop:
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		jitter := requestsDelay * 0.2
		lo := requestsDelay - jitter
		if lo < 0.5 {
			lo = 0.5
		}
		hi := requestsDelay + jitter
		sleepTime := lo + rand.Float64()*(hi-lo)

		events, err := r.RunOnce()
		if err != nil {
			consecutiveErrors++
			log.Printf("runner: cycle failed (%d/%d): %v", consecutiveErrors, maxRetries, err)
			if consecutiveErrors >= maxRetries {
				if isNetworkish(err) && r.Degraded != nil {
					r.Degraded.EnterDegraded("proxy-blocked")
					consecutiveErrors = 0
					continue
				}
				return err
			}
			time.Sleep(time.Duration(sleepTime*float64(time.Second)) + time.Duration(2+rand.Float64()*5)*time.Second)
			continue
		}
		if consecutiveErrors > 0 {
			log.Printf("runner: connection recovered")
		}
		consecutiveErrors = 0

		for _, ev := range events {
			select {
			case out <- ev:
			case <-stop:
				return nil
			}
		}

		select {
		case <-stop:
			return nil
		case <-time.After(time.Duration(sleepTime * float64(time.Second))):
		}
	}
}
