package handlers

import (
	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/expand"
	"github.com/kassian/sellagent/internal/runner"
)

// AutoReply matches the normalized message text against the configured
// command table and, on a hit, sends the expanded response (§4.D).
func (c *Core) AutoReply(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewMessage || ev.Message == nil {
		return nil
	}
	if !c.Config.AutoResponse {
		return nil
	}
	msg := ev.Message
	if msg.AuthorID == 0 {
		return nil
	}
	if c.Config.BlockResponse && c.IsBlacklisted(msg.Author) {
		return nil
	}

	key := config.NormalizeCommand(msg.Text)
	rule, ok := c.AutoReplyRules[key]
	if !ok {
		return nil
	}

	pool.Submit(func() {
		vars := expand.Vars{
			Username:    msg.Author,
			ChatID:      chatIDString(msg.ChatID),
			ChatName:    msg.ChatName,
			MessageText: msg.Text,
		}
		if err := c.sendExpanded(msg.ChatID, msg.ChatName, msg.InterlocutorID, false, rule.Response, vars); err != nil {
			c.Notifier.Notify("critical", "auto-reply send failed for chat "+chatIDString(msg.ChatID)+": "+err.Error())
		}
	})
	return nil
}
