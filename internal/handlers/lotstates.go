package handlers

import (
	"errors"
	"time"

	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/marketplace"
	"github.com/kassian/sellagent/internal/models"
	"github.com/kassian/sellagent/internal/runner"
)

// UpdateLotStates reconciles each owned common-type lot's active flag
// against current inventory counts, per §4.D. It only acts once the profile
// snapshot tagged with ev.Tag has been observed (i.e. the corresponding
// OrdersListChanged -> schedule_profile_refresh round-trip has completed);
// otherwise it is a no-op and a later NewOrder in the same polling cycle
// will find the tag matched.
func (c *Core) UpdateLotStates(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewOrder {
		return nil
	}
	profile, tag := c.currentProfile()
	if profile == nil || tag != ev.Tag {
		return nil
	}

	pool.Submit(func() {
		c.reconcileLotStates(profile)
	})
	return nil
}

// reconcileLotStates treats the freshly-observed profile's lot.Active field
// as the ground truth of what the marketplace currently lists as active.
func (c *Core) reconcileLotStates(profile *models.Profile) {
	var toRestore, toDeactivate []*models.Lot
	for _, lot := range profile.SortedLots() {
		if lot.SubcategoryType != models.SubcategoryCommon {
			continue
		}
		rule, hasRule := c.AutoDeliveryRules[lot.Title]

		if !lot.Active {
			if !hasRule {
				if c.Config.AutoRestore {
					toRestore = append(toRestore, lot)
				}
				continue
			}
			if rule.DisableAutoRestore {
				continue
			}
			if !c.Config.AutoDisable || c.lotInventoryCount(rule) > 0 {
				toRestore = append(toRestore, lot)
			}
			continue
		}

		if !hasRule || rule.DisableAutoDisable {
			continue
		}
		if c.lotInventoryCount(rule) == 0 {
			toDeactivate = append(toDeactivate, lot)
		}
	}

	c.applyLotStateChanges(toRestore, true)
	c.applyLotStateChanges(toDeactivate, false)
}

func (c *Core) lotInventoryCount(rule models.AutoDeliveryRule) int {
	if rule.ProductsFileName == "" {
		return 1 // not inventory-backed: never treated as exhausted
	}
	n, err := c.Inventory.Count(rule.ProductsFileName)
	if err != nil {
		return 0
	}
	return n
}

func (c *Core) applyLotStateChanges(lots []*models.Lot, activate bool) {
	if len(lots) == 0 {
		return
	}
	var titles []string
	for _, lot := range lots {
		if c.saveLotStateWithRetry(lot, activate) {
			titles = append(titles, lot.Title)
		}
	}
	if len(titles) == 0 {
		return
	}
	kind := "lot-deactivate"
	verb := "deactivated"
	if activate {
		kind = "lot-activate"
		verb = "restored"
	}
	text := verb + ": "
	for i, t := range titles {
		if i > 0 {
			text += ", "
		}
		text += t
	}
	c.Notifier.Notify(kind, text)
}

// saveLotStateWithRetry flips a lot's active field and saves it, retrying up
// to 3 times with 3*attempt second backoff (§4.D). If a save fails with an
// ErrLotSaving naming the "secrets" field, the empty-secrets workaround
// (clearing auto_delivery and saving again) is applied exactly once, outside
// the normal retry budget.
func (c *Core) saveLotStateWithRetry(lot *models.Lot, active bool) bool {
	bag, err := c.Client.GetLotFields(lot.ID)
	if err != nil {
		c.Notifier.Notify("critical", "lot fields fetch failed for "+lot.Title+": "+err.Error())
		return false
	}
	if active {
		bag["active"] = "on"
	} else {
		delete(bag, "active")
	}

	workaroundApplied := false
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(3*attempt) * time.Second)
		}
		err = c.Client.SaveLot(bag)
		if err == nil {
			return true
		}
		var savingErr *marketplace.ErrLotSaving
		if !workaroundApplied && errors.As(err, &savingErr) && savingErr.HasEmptySecretsConflict() {
			workaroundApplied = true
			bag["auto_delivery"] = "false"
			if err = c.Client.SaveLot(bag); err == nil {
				return true
			}
		}
	}
	c.Notifier.Notify("critical", "lot save failed for "+lot.Title+" after 3 attempts: "+err.Error())
	return false
}
