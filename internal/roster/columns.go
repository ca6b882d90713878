package roster

import (
	"encoding/json"
	"slices"
)

// Columns holds one ordered column per category. Each column is ascending
// by CreatedAt; entries sharing a timestamp keep arrival order.
type Columns struct {
	lists map[Category][]Entry
}

func NewColumns() *Columns {
	c := &Columns{lists: make(map[Category][]Entry, len(Categories))}
	for _, cat := range Categories {
		c.lists[cat] = []Entry{}
	}
	return c
}

// Insert places entry before the first existing entry with a strictly
// greater timestamp, or at the tail.
func (c *Columns) Insert(cat Category, entry Entry) {
	entry.Category = cat
	list := c.lists[cat]
	at := len(list)
	for i, existing := range list {
		if existing.CreatedAt > entry.CreatedAt {
			at = i
			break
		}
	}
	c.lists[cat] = slices.Insert(list, at, entry)
}

func (c *Columns) RemoveByID(id int64) bool {
	removed := false
	for cat, list := range c.lists {
		i := indexOf(list, id)
		if i < 0 {
			continue
		}
		c.lists[cat] = slices.Delete(list, i, i+1)
		removed = true
	}
	return removed
}

func (c *Columns) FindByID(id int64) (Category, Entry, bool) {
	for _, cat := range Categories {
		list := c.lists[cat]
		if i := indexOf(list, id); i >= 0 {
			return cat, list[i], true
		}
	}
	return "", Entry{}, false
}

// ReplaceInPlace merges fields into the entry with the given id without
// moving it. The entry's id and category are kept.
func (c *Columns) ReplaceInPlace(id int64, fields json.RawMessage) (bool, error) {
	for _, cat := range Categories {
		list := c.lists[cat]
		i := indexOf(list, id)
		if i < 0 {
			continue
		}
		next := cloneEntry(list[i])
		if err := mergeFields(&next, fields); err != nil {
			return false, err
		}
		next.ID = id
		next.Category = cat
		list[i] = next
		return true, nil
	}
	return false, nil
}

// Column returns a deep copy of one column in queue order.
func (c *Columns) Column(cat Category) []Entry {
	list := c.lists[cat]
	out := make([]Entry, len(list))
	for i, e := range list {
		out[i] = cloneEntry(e)
	}
	return out
}

func (c *Columns) Len() int {
	n := 0
	for _, list := range c.lists {
		n += len(list)
	}
	return n
}

func (c *Columns) Clone() *Columns {
	out := NewColumns()
	for cat, list := range c.lists {
		cloned := make([]Entry, len(list))
		for i, e := range list {
			cloned[i] = cloneEntry(e)
		}
		out.lists[cat] = cloned
	}
	return out
}

func (c *Columns) each(fn func(Category, Entry)) {
	for _, cat := range Categories {
		for _, e := range c.lists[cat] {
			fn(cat, e)
		}
	}
}

func indexOf(list []Entry, id int64) int {
	for i, e := range list {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func cloneEntry(e Entry) Entry {
	e.Tags = slices.Clone(e.Tags)
	if e.Compliance != nil {
		e.Compliance = slices.Clone(e.Compliance)
	}
	return e
}

// mergeFields shallow-merges a JSON object onto dst: top-level keys present
// in patch replace the corresponding keys of dst.
func mergeFields(dst any, patch json.RawMessage) error {
	if len(patch) == 0 {
		return nil
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return err
	}
	current, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	base := map[string]json.RawMessage{}
	if err := json.Unmarshal(current, &base); err != nil {
		return err
	}
	for key, value := range overlay {
		base[key] = value
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, dst)
}
