// Package config loads the ini-style configuration tree described in the
// filesystem layout: configs/_main.cfg, configs/auto_response.cfg and
// configs/auto_delivery.cfg. The loader mirrors the flat-struct-with-typed-
// getters idiom used elsewhere in this repo: populate one struct, log masked
// secrets once, expose sensible defaults per key.
package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/ini.v1"
)

// Config holds every tunable read from configs/_main.cfg.
type Config struct {
	BaseDir string // repo-relative root of configs/, storage/, logs/

	// [FunPay]
	GoldenKey              string
	UserAgent              string
	AutoRaise              bool
	AutoResponse           bool
	AutoDelivery           bool
	MultiDelivery          bool
	AutoRestore            bool
	AutoDisable            bool
	OldMsgGetMode          bool
	KeepSentMessagesUnread bool
	Locale                 string

	// [BlockList]
	BlockDelivery               bool
	BlockResponse               bool
	BlockNewMessageNotification bool
	BlockNewOrderNotification   bool
	BlockCommandNotification    bool

	// [NewMessageView]
	IncludeMyMessages  bool
	IncludeFPMessages  bool
	IncludeBotMessages bool
	NotifyOnlyMy       bool
	NotifyOnlyFP       bool
	NotifyOnlyBot      bool
	ShowImageName      bool

	// [Greetings]
	SendGreetings        bool
	IgnoreSystemMessages bool
	GreetingsText        string
	GreetingsCooldown    float64 // days

	// [OrderConfirm]
	SendReply bool
	Watermark string
	ReplyText string

	// [ReviewReply]
	StarReply     [6]bool   // index 1..5
	StarReplyText [6]string // index 1..5

	// [Proxy]
	ProxyEnable        bool
	ProxyIP            string
	ProxyPort          int
	ProxyLogin         string
	ProxyPassword      string
	ProxyCheck         bool
	ProxyCheckInterval int

	// [Other]
	RequestsDelay int
	Language      string

	// [Telegram] — control-plane bridge bot, ambient to the core but needed
	// to wire notifications end to end
	TelegramBotToken       string
	TelegramAdminChatID    int64
	AdminPasswordHash      string // bcrypt hash of the shared secret
	SessionRefreshInterval int    // seconds, default 3600
	WatchdogInterval       int    // seconds, default 10
	WatchdogStall          int    // seconds, default 100
	DegradedExitAfter      int    // seconds, default 10800 (3h)

	MaxLogSizeMB  int64
	MaxLogBackups int
}

// Load reads BaseDir/configs/_main.cfg and populates a Config. It is fatal if
// golden_key or the Telegram bot token is missing — both are required secrets
// with no safe default.
func Load(baseDir string) *Config {
	path := baseDir + "/configs/_main.cfg"
	f, err := ini.Load(path)
	if err != nil {
		log.Fatalf("CRITICAL: cannot read main config at %s: %v", path, err)
	}

	cfg := &Config{BaseDir: baseDir}

	fp := f.Section("FunPay")
	cfg.GoldenKey = fp.Key("golden_key").String()
	cfg.UserAgent = getStr(fp, "user_agent", "Mozilla/5.0")
	cfg.AutoRaise = getBool(fp, "autoRaise", true)
	cfg.AutoResponse = getBool(fp, "autoResponse", true)
	cfg.AutoDelivery = getBool(fp, "autoDelivery", true)
	cfg.MultiDelivery = getBool(fp, "multiDelivery", false)
	cfg.AutoRestore = getBool(fp, "autoRestore", true)
	cfg.AutoDisable = getBool(fp, "autoDisable", true)
	cfg.OldMsgGetMode = getBool(fp, "oldMsgGetMode", false)
	cfg.KeepSentMessagesUnread = getBool(fp, "keepSentMessagesUnread", false)
	cfg.Locale = getStr(fp, "locale", "ru")

	bl := f.Section("BlockList")
	cfg.BlockDelivery = getBool(bl, "blockDelivery", true)
	cfg.BlockResponse = getBool(bl, "blockResponse", true)
	cfg.BlockNewMessageNotification = getBool(bl, "blockNewMessageNotification", false)
	cfg.BlockNewOrderNotification = getBool(bl, "blockNewOrderNotification", false)
	cfg.BlockCommandNotification = getBool(bl, "blockCommandNotification", false)

	nmv := f.Section("NewMessageView")
	cfg.IncludeMyMessages = getBool(nmv, "includeMyMessages", false)
	cfg.IncludeFPMessages = getBool(nmv, "includeFPMessages", true)
	cfg.IncludeBotMessages = getBool(nmv, "includeBotMessages", false)
	cfg.NotifyOnlyMy = getBool(nmv, "notifyOnlyMyMessages", false)
	cfg.NotifyOnlyFP = getBool(nmv, "notifyOnlyFPMessages", false)
	cfg.NotifyOnlyBot = getBool(nmv, "notifyOnlyBotMessages", false)
	cfg.ShowImageName = getBool(nmv, "showImageName", true)

	gr := f.Section("Greetings")
	cfg.SendGreetings = getBool(gr, "sendGreetings", true)
	cfg.IgnoreSystemMessages = getBool(gr, "ignoreSystemMessages", true)
	cfg.GreetingsText = getStr(gr, "greetingsText", "Hello, $username!")
	cfg.GreetingsCooldown = getFloat(gr, "greetingsCooldown", 1.0)

	oc := f.Section("OrderConfirm")
	cfg.SendReply = getBool(oc, "sendReply", true)
	cfg.Watermark = getStr(oc, "watermark", "")
	cfg.ReplyText = getStr(oc, "replyText", "Thank you for your purchase!")

	rr := f.Section("ReviewReply")
	for i := 1; i <= 5; i++ {
		cfg.StarReply[i] = getBool(rr, fmt.Sprintf("star%dReply", i), false)
		cfg.StarReplyText[i] = getStr(rr, fmt.Sprintf("star%dReplyText", i), "")
	}

	px := f.Section("Proxy")
	cfg.ProxyEnable = getBool(px, "enable", false)
	cfg.ProxyIP = getStr(px, "ip", "")
	cfg.ProxyPort = getInt(px, "port", 0)
	cfg.ProxyLogin = getStr(px, "login", "")
	cfg.ProxyPassword = getStr(px, "password", "")
	cfg.ProxyCheck = getBool(px, "check", true)
	cfg.ProxyCheckInterval = getInt(px, "checkInterval", 300)

	oth := f.Section("Other")
	cfg.RequestsDelay = clampInt(getInt(oth, "requestsDelay", 5), 1, 100)
	cfg.Language = getStr(oth, "language", "ru")

	tg := f.Section("Telegram")
	cfg.TelegramBotToken = tg.Key("bot_token").String()
	cfg.TelegramAdminChatID = getInt64(tg, "admin_chat_id", 0)
	cfg.AdminPasswordHash = tg.Key("admin_password_hash").String()
	cfg.SessionRefreshInterval = getInt(tg, "session_refresh_interval_sec", 3600)
	cfg.WatchdogInterval = getInt(tg, "watchdog_interval_sec", 10)
	cfg.WatchdogStall = getInt(tg, "watchdog_stall_sec", 100)
	cfg.DegradedExitAfter = getInt(tg, "degraded_exit_after_sec", 10800)
	cfg.MaxLogSizeMB = int64(getInt(tg, "max_log_size_mb", 20))
	cfg.MaxLogBackups = getInt(tg, "max_log_backups", 25)

	EnvOverride(cfg)

	var missing []string
	if cfg.GoldenKey == "" {
		missing = append(missing, "FunPay.golden_key")
	}
	if cfg.TelegramBotToken == "" {
		missing = append(missing, "Telegram.bot_token")
	}
	if len(missing) > 0 {
		log.Fatalf("CRITICAL: missing required config keys: %v", missing)
	}

	logLoaded(cfg)
	return cfg
}

func logLoaded(cfg *Config) {
	log.Printf("config loaded: base=%s locale=%s autoRaise=%v autoDelivery=%v proxy=%v",
		cfg.BaseDir, cfg.Locale, cfg.AutoRaise, cfg.AutoDelivery, cfg.ProxyEnable)
	log.Printf("golden_key=%s bot_token=%s admin_password_hash=%s",
		mask(cfg.GoldenKey), mask(cfg.TelegramBotToken), mask(cfg.AdminPasswordHash))
}

func mask(s string) string {
	if len(s) <= 4 {
		if s == "" {
			return "(unset)"
		}
		return "***"
	}
	return "***" + s[len(s)-4:]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EnvOverride lets the two required secrets (the golden key and the Telegram
// bot token) be supplied via the GOLDEN_KEY and TELEGRAM_BOT_TOKEN
// environment variables instead of being committed to configs/_main.cfg,
// matching the teacher's pattern of env-first secret sourcing.
func EnvOverride(cfg *Config) {
	if v := os.Getenv("GOLDEN_KEY"); v != "" {
		cfg.GoldenKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
}
