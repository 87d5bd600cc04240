// Package controlplane implements the Telegram bridge (§4.H): notification
// fan-out, mutable configuration access, imperative operations, and
// one-shot auto-delivery test-key submission. It is the sole consumer of
// handlers.Notifier and the sole producer of process control actions that
// cross from the operator into the running account.
package controlplane

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/kvstore"
	"github.com/kassian/sellagent/internal/marketplace"
	"github.com/kassian/sellagent/internal/supervisor"
)

// Core is the narrow slice of internal/handlers.Core the bridge drives
// imperative operations through. Declared locally to avoid an import cycle
// (handlers already depends on this package's Notifier shape).
type Core interface {
	Blacklist(username string)
	Unblacklist(username string)
	IsBlacklisted(username string) bool
	RegisterTestDeliveryKey(key, lotTitle string)
}

// Supervisor is the narrow slice of internal/supervisor.Supervisor the
// bridge reports status from.
type Supervisor interface {
	CurrentState() supervisor.State
}

// ProxyCandidate is one entry of the rotating proxy dictionary.
type ProxyCandidate struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

type proxyDict struct {
	Candidates []ProxyCandidate `json:"candidates"`
	Index      int              `json:"index"`
}

type authorizedUsers struct {
	ChatIDs map[int64]bool `json:"chat_ids"`
}

type withdrawalEntry struct {
	RecordedAt time.Time `json:"recorded_at"`
	Amount     string    `json:"amount"`
}

// Bridge wires a tgbotapi.BotAPI into the seller agent's control surface.
type Bridge struct {
	Config *config.Config
	Client marketplace.Client
	Core   Core
	Super  Supervisor

	bot *tgbotapi.BotAPI

	proxyMu   sync.Mutex
	proxyPath string
	proxy     proxyDict

	authMu   sync.Mutex
	authPath string
	auth     authorizedUsers

	forecastMu   sync.Mutex
	forecastPath string
	forecast     map[string]withdrawalEntry
}

// New constructs a Bridge. Call Run to start the long-poll receive loop.
func New(cfg *config.Config, client marketplace.Client, core Core, super Supervisor) (*Bridge, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("controlplane: bot init: %w", err)
	}

	b := &Bridge{
		Config:       cfg,
		Client:       client,
		Core:         core,
		Super:        super,
		bot:          bot,
		proxyPath:    cfg.BaseDir + "/storage/cache/proxy_dict.json",
		authPath:     cfg.BaseDir + "/storage/cache/tg_authorized_users.json",
		forecastPath: cfg.BaseDir + "/storage/cache/withdrawal_forecast.json",
		auth:         authorizedUsers{ChatIDs: make(map[int64]bool)},
		forecast:     make(map[string]withdrawalEntry),
	}

	if err := kvstore.Load(b.proxyPath, &b.proxy); err != nil {
		log.Printf("controlplane: loading proxy_dict: %v", err)
	}
	if err := kvstore.Load(b.authPath, &b.auth); err != nil {
		log.Printf("controlplane: loading tg_authorized_users: %v", err)
	}
	if b.auth.ChatIDs == nil {
		b.auth.ChatIDs = make(map[int64]bool)
	}
	if err := kvstore.Load(b.forecastPath, &b.forecast); err != nil {
		log.Printf("controlplane: loading withdrawal_forecast: %v", err)
	}
	if b.forecast == nil {
		b.forecast = make(map[string]withdrawalEntry)
	}

	return b, nil
}

// Notify implements handlers.Notifier, fanning kind/text out to every
// authorized admin chat plus the configured primary admin chat.
func (b *Bridge) Notify(kind, text string) {
	line := fmt.Sprintf("[%s] %s", kind, text)
	for _, chatID := range b.recipients() {
		msg := tgbotapi.NewMessage(chatID, line)
		if _, err := b.bot.Send(msg); err != nil {
			log.Printf("controlplane: notify send failed: %v", err)
		}
	}
}

func (b *Bridge) recipients() []int64 {
	ids := map[int64]bool{b.Config.TelegramAdminChatID: true}
	b.authMu.Lock()
	for id := range b.auth.ChatIDs {
		ids[id] = true
	}
	b.authMu.Unlock()
	out := make([]int64, 0, len(ids))
	for id := range ids {
		if id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// Run starts the Telegram long-poll receive loop, blocking until stop is
// closed. It runs on the process's main logical thread per §5's scheduling
// model, so its own blocking receive never consumes a pool slot.
func (b *Bridge) Run(stop <-chan struct{}) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.bot.GetUpdatesChan(u)

	for {
		select {
		case <-stop:
			b.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() && update.Message.Text == "" {
				continue
			}
			b.handleMessage(update.Message)
		}
	}
}

func (b *Bridge) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	if !b.isAuthorized(chatID) {
		if chatID == b.Config.TelegramAdminChatID {
			if bcrypt.CompareHashAndPassword([]byte(b.Config.AdminPasswordHash), []byte(text)) == nil {
				b.authorize(chatID)
				b.reply(chatID, "authorized")
				return
			}
		}
		log.Printf("controlplane: unauthorized message from chat %d", chatID)
		return
	}

	response := b.dispatchCommand(text)
	if response != "" {
		b.reply(chatID, response)
	}
}

func (b *Bridge) isAuthorized(chatID int64) bool {
	if chatID == b.Config.TelegramAdminChatID {
		b.authMu.Lock()
		defer b.authMu.Unlock()
		return b.auth.ChatIDs[chatID]
	}
	b.authMu.Lock()
	defer b.authMu.Unlock()
	return b.auth.ChatIDs[chatID]
}

func (b *Bridge) authorize(chatID int64) {
	b.authMu.Lock()
	b.auth.ChatIDs[chatID] = true
	snapshot := b.auth
	b.authMu.Unlock()
	if err := kvstore.Save(b.authPath, snapshot); err != nil {
		log.Printf("controlplane: saving tg_authorized_users: %v", err)
	}
}

func (b *Bridge) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.bot.Send(msg); err != nil {
		log.Printf("controlplane: reply send failed: %v", err)
	}
}

// dispatchCommand implements the imperative-operations surface of §4.H:
// free-form send, refund, forced profile refresh, feature toggle, blacklist
// edit, test-delivery key issuance, backup, and status.
func (b *Bridge) dispatchCommand(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/status":
		if b.Super == nil {
			return "supervisor: unavailable"
		}
		return "state: " + string(b.Super.CurrentState())

	case "/send":
		if len(args) < 2 {
			return "usage: /send <chat_id> <text>"
		}
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "bad chat_id: " + err.Error()
		}
		msgText := strings.Join(args[1:], " ")
		if _, err := b.Client.SendMessage(chatID, msgText, "", 0, "", false); err != nil {
			return "send failed: " + err.Error()
		}
		return "sent"

	case "/refund":
		if len(args) != 1 {
			return "usage: /refund <order_id>"
		}
		if err := b.Client.Refund(args[0]); err != nil {
			return "refund failed: " + err.Error()
		}
		return "refunded " + args[0]

	case "/block":
		if len(args) != 1 {
			return "usage: /block <username>"
		}
		b.Core.Blacklist(args[0])
		return "blacklisted " + args[0]

	case "/unblock":
		if len(args) != 1 {
			return "usage: /unblock <username>"
		}
		b.Core.Unblacklist(args[0])
		return "unblacklisted " + args[0]

	case "/testkey":
		if len(args) < 2 {
			return "usage: /testkey <key> <lot title...>"
		}
		lotTitle := strings.Join(args[1:], " ")
		b.Core.RegisterTestDeliveryKey(args[0], lotTitle)
		return "test key registered for " + lotTitle

	case "/backup":
		path, err := b.CreateBackup()
		if err != nil {
			return "backup failed: " + err.Error()
		}
		return "backup written to " + path

	default:
		return "unknown command: " + cmd
	}
}

// CreateBackup zips storage/ and configs/ into <BaseDir>/backup.zip,
// overwriting any prior backup. Supplements §6.2's filesystem layout, which
// names backup.zip but leaves its production ungrounded by any §4.H op.
func (b *Bridge) CreateBackup() (string, error) {
	dest := filepath.Join(b.Config.BaseDir, "backup.zip")
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("controlplane: create backup: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, dir := range []string{"storage", "configs"} {
		root := filepath.Join(b.Config.BaseDir, dir)
		if err := addDirToZip(zw, root, dir); err != nil {
			zw.Close()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("controlplane: finalize backup: %w", err)
	}
	return dest, nil
}

func addDirToZip(zw *zip.Writer, root, prefix string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.Join(prefix, rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
}

// NextProxy implements supervisor.ProxySource, advancing a round-robin
// index through the persisted proxy dictionary.
func (b *Bridge) NextProxy() (ip string, port int, login, password string, ok bool) {
	b.proxyMu.Lock()
	defer b.proxyMu.Unlock()
	if len(b.proxy.Candidates) == 0 {
		return "", 0, "", "", false
	}
	b.proxy.Index = (b.proxy.Index + 1) % len(b.proxy.Candidates)
	c := b.proxy.Candidates[b.proxy.Index]
	snapshot := b.proxy
	go func() {
		if err := kvstore.Save(b.proxyPath, snapshot); err != nil {
			log.Printf("controlplane: saving proxy_dict: %v", err)
		}
	}()
	return c.IP, c.Port, c.Login, c.Password, true
}

// AddProxy appends a candidate to the rotating dictionary.
func (b *Bridge) AddProxy(c ProxyCandidate) {
	b.proxyMu.Lock()
	b.proxy.Candidates = append(b.proxy.Candidates, c)
	snapshot := b.proxy
	b.proxyMu.Unlock()
	if err := kvstore.Save(b.proxyPath, snapshot); err != nil {
		log.Printf("controlplane: saving proxy_dict: %v", err)
	}
}

// RecordWithdrawalForecast stores a forecast entry keyed by order id, for
// the 48h eviction sweep in Maintain.
func (b *Bridge) RecordWithdrawalForecast(orderID, amount string) {
	b.forecastMu.Lock()
	b.forecast[orderID] = withdrawalEntry{RecordedAt: time.Now(), Amount: amount}
	snapshot := make(map[string]withdrawalEntry, len(b.forecast))
	for k, v := range b.forecast {
		snapshot[k] = v
	}
	b.forecastMu.Unlock()
	if err := kvstore.Save(b.forecastPath, snapshot); err != nil {
		log.Printf("controlplane: saving withdrawal_forecast: %v", err)
	}
}

// Maintain runs the 48h withdrawal-forecast eviction sweep, piggybacked on
// the same tick cadence as the session refresher (§3 "Supplemented
// features"). Call it from a ticker driven at cfg.SessionRefreshInterval.
func (b *Bridge) Maintain() {
	const ttl = 48 * time.Hour
	cutoff := time.Now().Add(-ttl)

	b.forecastMu.Lock()
	changed := false
	for id, entry := range b.forecast {
		if entry.RecordedAt.Before(cutoff) {
			delete(b.forecast, id)
			changed = true
		}
	}
	snapshot := make(map[string]withdrawalEntry, len(b.forecast))
	for k, v := range b.forecast {
		snapshot[k] = v
	}
	b.forecastMu.Unlock()

	if changed {
		if err := kvstore.Save(b.forecastPath, snapshot); err != nil {
			log.Printf("controlplane: saving withdrawal_forecast after eviction: %v", err)
		}
	}
}
