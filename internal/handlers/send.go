package handlers

import (
	"time"

	"github.com/kassian/sellagent/internal/expand"
	"github.com/kassian/sellagent/internal/models"
)

// sendExpanded runs template through the variable expander and posts each
// resulting part in order, honoring $sleep=/$photo= control tokens. Failure
// on any part aborts the remaining parts.
func (c *Core) sendExpanded(chatID int64, chatName string, interlocutorID int64, leaveAsUnread bool, template string, vars expand.Vars) error {
	parts := expand.Expand(template, vars)
	for _, p := range parts {
		if p.SleepBefore > 0 {
			time.Sleep(p.SleepBefore)
		}
		if p.ImageID != "" {
			sent, err := c.Client.SendImage(chatID, p.ImageID, chatName, interlocutorID, leaveAsUnread)
			if err != nil {
				return err
			}
			c.markSent(chatID, interlocutorID, sent)
			continue
		}
		sent, err := c.Client.SendMessage(chatID, p.Text, chatName, interlocutorID, "", leaveAsUnread)
		if err != nil {
			return err
		}
		c.markSent(chatID, interlocutorID, sent)
	}
	return nil
}

// markSent feeds a just-sent message back into the runner's bookkeeping so
// its next observation is recognized as this process's own output.
func (c *Core) markSent(chatID, interlocutorID int64, sent *models.Message) {
	if c.Runner == nil || sent == nil {
		return
	}
	c.Runner.MarkAsByBot(chatID, sent.ID)
	c.Runner.UpdateLastMessage(chatID, sent.ID)
	c.Runner.TrackInterlocutor(interlocutorID)
}
