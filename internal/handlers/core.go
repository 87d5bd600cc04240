// Package handlers implements the core handler chains dispatched per event
// kind (§4.D): greeting, auto-reply, review replies, test auto-delivery,
// goods delivery, and lot-state reconciliation.
package handlers

import (
	"log"
	"sync"
	"time"

	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/inventory"
	"github.com/kassian/sellagent/internal/kvstore"
	"github.com/kassian/sellagent/internal/marketplace"
	"github.com/kassian/sellagent/internal/models"
)

// Notifier forwards a structured event to the control-plane bridge. The
// concrete implementation (internal/controlplane) fans out to Telegram;
// handlers only depend on this narrow interface to avoid an import cycle.
type Notifier interface {
	Notify(kind, text string)
}

// RunnerHooks lets a send path feed its own output back into the event
// runner's bookkeeping, so a message this process just sent is recognized
// as "by bot" on its next observation instead of re-triggering a greeting
// or auto-reply against itself.
type RunnerHooks interface {
	MarkAsByBot(chatID, messageID int64)
	UpdateLastMessage(chatID, messageID int64)
	TrackInterlocutor(id int64)
}

// Core bundles the state every handler chain reads or mutates. One Core is
// shared by all dispatcher chains for one account.
type Core struct {
	Config    *config.Config
	Client    marketplace.Client
	Inventory *inventory.Engine
	Notifier  Notifier
	Dispatch  *dispatch.Dispatcher
	Runner    RunnerHooks

	AutoReplyRules    map[string]models.AutoReplyRule
	AutoDeliveryRules map[string]models.AutoDeliveryRule

	blacklistPath string
	oldUsersPath  string

	mu         sync.Mutex
	blacklist  map[string]bool
	oldUsers   map[int64]int64 // chat_id -> last_seen_unix
	orders     map[string]*models.OrderShortcut // order id -> last observed shortcut

	greetingMu sync.Mutex
	greetLocks map[int64]*sync.Mutex

	reviewMu    sync.Mutex
	reviewCache map[string]time.Time // order_id -> resolved_at

	deliveryMu   sync.Mutex
	testDeliveryKeys map[string]string // single-use key -> lot title

	profileMu sync.Mutex
	profile   *models.Profile
	profileTag string
}

// New builds a Core rooted at cfg.BaseDir, loading persisted blacklist/old-user
// state from storage/cache (§6.2).
func New(cfg *config.Config, client marketplace.Client, inv *inventory.Engine, notifier Notifier, d *dispatch.Dispatcher) *Core {
	c := &Core{
		Config:           cfg,
		Client:           client,
		Inventory:        inv,
		Notifier:         notifier,
		Dispatch:         d,
		blacklistPath:    cfg.BaseDir + "/storage/cache/blacklist.json",
		oldUsersPath:     cfg.BaseDir + "/storage/cache/old_users.json",
		blacklist:        make(map[string]bool),
		oldUsers:         make(map[int64]int64),
		greetLocks:       make(map[int64]*sync.Mutex),
		reviewCache:      make(map[string]time.Time),
		testDeliveryKeys: make(map[string]string),
	}

	var blacklistSlice []string
	if err := kvstore.Load(c.blacklistPath, &blacklistSlice); err != nil {
		log.Printf("handlers: loading blacklist: %v", err)
	}
	for _, name := range blacklistSlice {
		c.blacklist[name] = true
	}

	if err := kvstore.Load(c.oldUsersPath, &c.oldUsers); err != nil {
		log.Printf("handlers: loading old_users: %v", err)
	}

	rules, err := config.LoadAutoReplyRules(cfg.BaseDir)
	if err != nil {
		log.Printf("handlers: loading auto_response.cfg: %v", err)
		rules = make(map[string]models.AutoReplyRule)
	}
	c.AutoReplyRules = rules

	adRules, err := config.LoadAutoDeliveryRules(cfg.BaseDir)
	if err != nil {
		log.Printf("handlers: loading auto_delivery.cfg: %v", err)
		adRules = make(map[string]models.AutoDeliveryRule)
	}
	c.AutoDeliveryRules = adRules

	return c
}

func (c *Core) saveBlacklist() {
	c.mu.Lock()
	names := make([]string, 0, len(c.blacklist))
	for n := range c.blacklist {
		names = append(names, n)
	}
	c.mu.Unlock()
	if err := kvstore.Save(c.blacklistPath, names); err != nil {
		log.Printf("handlers: saving blacklist: %v", err)
	}
}

func (c *Core) saveOldUsers() {
	c.mu.Lock()
	snapshot := make(map[int64]int64, len(c.oldUsers))
	for k, v := range c.oldUsers {
		snapshot[k] = v
	}
	c.mu.Unlock()
	if err := kvstore.Save(c.oldUsersPath, snapshot); err != nil {
		log.Printf("handlers: saving old_users: %v", err)
	}
}

// IsBlacklisted reports whether username is on the blocklist.
func (c *Core) IsBlacklisted(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blacklist[username]
}

// Blacklist adds username to the blocklist, persisting immediately. Exposed
// for the control-plane's blacklist-editing capability (§4.H).
func (c *Core) Blacklist(username string) {
	c.mu.Lock()
	c.blacklist[username] = true
	c.mu.Unlock()
	c.saveBlacklist()
}

// Unblacklist removes username from the blocklist, persisting immediately.
func (c *Core) Unblacklist(username string) {
	c.mu.Lock()
	delete(c.blacklist, username)
	c.mu.Unlock()
	c.saveBlacklist()
}

func (c *Core) greetingLockFor(chatID int64) *sync.Mutex {
	c.greetingMu.Lock()
	defer c.greetingMu.Unlock()
	m, ok := c.greetLocks[chatID]
	if !ok {
		m = &sync.Mutex{}
		c.greetLocks[chatID] = m
	}
	return m
}

// SetProfile stores the most recently fetched profile snapshot, tagged with
// the runner event tag that triggered the refresh (update_lot_states only
// acts once the tag it's waiting on has been observed).
func (c *Core) SetProfile(p *models.Profile, tag string) {
	c.profileMu.Lock()
	defer c.profileMu.Unlock()
	c.profile = p
	c.profileTag = tag
}

func (c *Core) currentProfile() (*models.Profile, string) {
	c.profileMu.Lock()
	defer c.profileMu.Unlock()
	return c.profile, c.profileTag
}

// CurrentProfile implements internal/raise.ProfileSource, letting the raise
// scheduler ride on whatever profile schedule_profile_refresh last observed
// instead of fetching its own.
func (c *Core) CurrentProfile() *models.Profile {
	p, _ := c.currentProfile()
	return p
}

// RegisterTestDeliveryKey lets an operator bind a single-use test key to a
// lot title, consumed by the "!автовыдача <key>" command.
func (c *Core) RegisterTestDeliveryKey(key, lotTitle string) {
	c.deliveryMu.Lock()
	defer c.deliveryMu.Unlock()
	c.testDeliveryKeys[key] = lotTitle
}

func (c *Core) consumeTestDeliveryKey(key string) (string, bool) {
	c.deliveryMu.Lock()
	defer c.deliveryMu.Unlock()
	lot, ok := c.testDeliveryKeys[key]
	if ok {
		delete(c.testDeliveryKeys, key)
	}
	return lot, ok
}
