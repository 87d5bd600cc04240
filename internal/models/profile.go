package models

import "time"

// SubcategoryType distinguishes lots that can be raised from currency-trade
// lots, which the upstream never accepts in a raise_lots call.
type SubcategoryType string

const (
	SubcategoryCommon   SubcategoryType = "common"
	SubcategoryCurrency SubcategoryType = "currency"
)

// Lot is one listing the seller owns. FieldsBag is opaque to the core: it is
// round-tripped through get_lot_fields/save_lot untouched except for the keys
// the core explicitly needs to flip (active, auto_delivery).
type Lot struct {
	ID              string
	Title           string
	Description     string
	Server          string
	SubcategoryID   string
	SubcategoryType SubcategoryType
	Active          bool
	FieldsBag       map[string]string
}

// Subcategory groups lots of one kind within a category.
type Subcategory struct {
	ID   string
	Name string
	Type SubcategoryType
	Lots map[string]*Lot // keyed by lot id
}

// Category is one top-level listing group, ordered as the profile page shows
// it — raise order and tie-breaks in §4.E depend on this ordering.
type Category struct {
	ID            string
	Name          string
	Position      int
	Subcategories []*Subcategory
}

// Profile is a snapshot of the seller's own listings, refreshed after every
// OrdersListChanged event. There is no time-based refresh.
type Profile struct {
	FetchedAt  time.Time
	Categories []*Category
}

// SortedLots returns every lot across every category/subcategory, with
// categories and subcategories in profile order; the order of lots within a
// subcategory is not defined. update_lot_states walks this to find lots no
// longer in the active set.
func (p *Profile) SortedLots() []*Lot {
	var out []*Lot
	for _, cat := range p.Categories {
		for _, sub := range cat.Subcategories {
			for _, lot := range sub.Lots {
				out = append(out, lot)
			}
		}
	}
	return out
}

// ActiveCommonSubcategories returns the unique set of subcategory ids, for
// category catID, that are common-type and currently contain at least one
// owned lot. Used by the raise scheduler to decide whether a category is
// worth raising this cycle.
func (p *Profile) ActiveCommonSubcategories(catID string) []string {
	for _, cat := range p.Categories {
		if cat.ID != catID {
			continue
		}
		var ids []string
		for _, sub := range cat.Subcategories {
			if sub.Type != SubcategoryCommon || len(sub.Lots) == 0 {
				continue
			}
			ids = append(ids, sub.ID)
		}
		return ids
	}
	return nil
}
