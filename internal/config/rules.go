package config

import (
	"strings"

	"gopkg.in/ini.v1"

	"github.com/kassian/sellagent/internal/models"
)

// LoadAutoReplyRules reads configs/auto_response.cfg. Each section is either
// a single command or a pipe-joined alias set ("hello|hi|hey"); every alias
// in a set shares the section's response/notification settings and is
// returned as its own rule keyed by the normalized command.
func LoadAutoReplyRules(baseDir string) (map[string]models.AutoReplyRule, error) {
	path := baseDir + "/configs/auto_response.cfg"
	f, err := ini.LooseLoad(path)
	if err != nil {
		return nil, err
	}

	rules := make(map[string]models.AutoReplyRule)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		response := getStr(sec, "response", "")
		notify := getBool(sec, "telegramNotification", false)
		notifyText := getStr(sec, "notificationText", "")

		for _, alias := range strings.Split(sec.Name(), "|") {
			key := NormalizeCommand(alias)
			if key == "" {
				continue
			}
			rules[key] = models.AutoReplyRule{
				Command:              key,
				Response:             response,
				TelegramNotification: notify,
				NotificationText:     notifyText,
			}
		}
	}
	return rules, nil
}

// NormalizeCommand applies the auto-reply lookup key transform: strip
// newlines, lowercase, trim (§4.D).
func NormalizeCommand(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.TrimSpace(strings.ToLower(s))
}

// LoadAutoDeliveryRules reads configs/auto_delivery.cfg, one section per lot
// title.
func LoadAutoDeliveryRules(baseDir string) (map[string]models.AutoDeliveryRule, error) {
	path := baseDir + "/configs/auto_delivery.cfg"
	f, err := ini.LooseLoad(path)
	if err != nil {
		return nil, err
	}

	rules := make(map[string]models.AutoDeliveryRule)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		rules[sec.Name()] = models.AutoDeliveryRule{
			LotTitle:             sec.Name(),
			Response:             getStr(sec, "response", ""),
			ProductsFileName:     getStr(sec, "productsFileName", ""),
			Disable:              getBool(sec, "disable", false),
			DisableMultiDelivery: getBool(sec, "disableMultiDelivery", false),
			DisableAutoRestore:   getBool(sec, "disableAutoRestore", false),
			DisableAutoDisable:   getBool(sec, "disableAutoDisable", false),
		}
	}
	return rules, nil
}
