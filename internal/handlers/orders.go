package handlers

import (
	"github.com/kassian/sellagent/internal/models"
)

// recordOrder caches the shortcut for order-reference resolution used by the
// review processor, keyed by order id.
func (c *Core) recordOrder(o *models.OrderShortcut) {
	if o == nil || o.ID == "" {
		return
	}
	c.mu.Lock()
	if c.orders == nil {
		c.orders = make(map[string]*models.OrderShortcut)
	}
	c.orders[o.ID] = o
	c.mu.Unlock()
}

func (c *Core) lookupOrder(id string) (*models.OrderShortcut, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[id]
	return o, ok
}
