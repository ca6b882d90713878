package roster

// siblingIndicatorCategories are the only categories reported by
// SiblingCategories, in display order.
var siblingIndicatorCategories = []Category{CategoryLogi, CategoryDPS, CategorySniper}

// SiblingCategories returns the distinct logi/dps/sniper categories holding
// other entries of the same pilot. The entry identified by excludingEntryID
// is never counted.
func (v *View) SiblingCategories(pilotID, excludingEntryID int64) []Category {
	seen := map[Category]bool{}
	v.Columns.each(func(cat Category, e Entry) {
		if e.ID == excludingEntryID || e.Character.ID != pilotID {
			return
		}
		seen[cat] = true
	})
	out := []Category{}
	for _, cat := range siblingIndicatorCategories {
		if seen[cat] {
			out = append(out, cat)
		}
	}
	return out
}

func (v *View) Counts() map[Category]int {
	out := make(map[Category]int, len(Categories))
	for _, cat := range Categories {
		out[cat] = len(v.Columns.lists[cat])
	}
	return out
}

// SiblingCategories is the Snapshot counterpart of View.SiblingCategories.
func (s Snapshot) SiblingCategories(pilotID, excludingEntryID int64) []Category {
	out := []Category{}
	for _, cat := range siblingIndicatorCategories {
		for _, e := range s.Columns[cat] {
			if e.ID != excludingEntryID && e.Character.ID == pilotID {
				out = append(out, cat)
				break
			}
		}
	}
	return out
}
