package handlers

import (
	"time"

	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/expand"
	"github.com/kassian/sellagent/internal/models"
	"github.com/kassian/sellagent/internal/runner"
)

// Greeting is the single-shot gate: at most one greeting per chat per
// cooldown window, guarded by a per-chat mutex so two concurrent events for
// the same chat cannot both pass eligibility (§4.D).
func (c *Core) Greeting(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewMessage || ev.Message == nil {
		return nil
	}
	msg := ev.Message

	lock := c.greetingLockFor(msg.ChatID)
	lock.Lock()

	eligible := c.greetingEligible(msg)
	c.markChatSeen(msg.ChatID)
	lock.Unlock()

	if !eligible {
		return nil
	}

	pool.Submit(func() {
		vars := expand.Vars{
			Username: msg.Author,
			ChatID:   chatIDString(msg.ChatID),
			ChatName: msg.ChatName,
		}
		if err := c.sendExpanded(msg.ChatID, msg.ChatName, msg.InterlocutorID, false, c.Config.GreetingsText, vars); err != nil {
			c.Notifier.Notify("critical", "greeting send failed for chat "+chatIDString(msg.ChatID)+": "+err.Error())
		}
	})
	return nil
}

// greetingEligible must be called with greetingLockFor(msg.ChatID) held.
func (c *Core) greetingEligible(msg *models.Message) bool {
	if !c.Config.SendGreetings {
		return false
	}
	if msg.AuthorID == 0 || msg.IsAutoReply || msg.ByVertex {
		// self-originated: caller still marks seen via markChatSeen, nothing
		// further to do.
		return false
	}
	switch msg.Type {
	case models.MsgOrderPurchased, models.MsgDearVendors, models.MsgOrderConfirmedByAdmin:
		return false
	}
	if msg.Badge != "" {
		return false
	}
	if c.Config.IgnoreSystemMessages && msg.Type != models.MsgNonSystem {
		return false
	}

	c.mu.Lock()
	last, seen := c.oldUsers[msg.ChatID]
	c.mu.Unlock()
	if !seen {
		return true
	}
	cooldown := time.Duration(c.Config.GreetingsCooldown * float64(24*time.Hour))
	return time.Since(time.Unix(last, 0)) >= cooldown
}

func (c *Core) markChatSeen(chatID int64) {
	c.mu.Lock()
	c.oldUsers[chatID] = time.Now().Unix()
	c.mu.Unlock()
	c.saveOldUsers()
}

// SaveOldUserMark handles InitialChat: a chat observed on the first poll
// cycle is marked seen without triggering a greeting.
func (c *Core) SaveOldUserMark(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindInitialChat || ev.Chat == nil {
		return nil
	}
	c.mu.Lock()
	_, known := c.oldUsers[ev.Chat.ChatID]
	c.mu.Unlock()
	if !known {
		c.markChatSeen(ev.Chat.ChatID)
	}
	return nil
}

func chatIDString(id int64) string {
	return itoa64(id)
}
