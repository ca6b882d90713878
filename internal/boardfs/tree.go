package boardfs

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/fleetboard/internal/board"
	"github.com/agentworkforce/fleetboard/internal/channel"
	"github.com/agentworkforce/fleetboard/internal/roster"
)

// Source is what the filesystem renders. *board.Board satisfies it.
type Source interface {
	Snapshot() (roster.Snapshot, bool)
	Phase() board.Phase
	ConnState() channel.State
}

type File struct {
	Name string
	Data []byte
}

// Tree is one rendering of the board: top-level files plus a directory per
// category whose files are named by queue position so a plain listing
// sorts in board order.
type Tree struct {
	Files []File
	Dirs  map[roster.Category][]File
}

// entryFile is one entry plus the other indicator categories its pilot is
// queued in.
type entryFile struct {
	roster.Entry
	Siblings []roster.Category `json:"siblings"`
}

type statusFile struct {
	Phase      board.Phase   `json:"phase"`
	Connection channel.State `json:"connection"`
	Error      string        `json:"error,omitempty"`
	Succeeded  bool          `json:"succeeded"`
}

func Build(src Source) (Tree, error) {
	snap, ok := src.Snapshot()
	tree := Tree{Dirs: make(map[roster.Category][]File, len(roster.Categories))}

	status, err := marshal(statusFile{
		Phase:      src.Phase(),
		Connection: src.ConnState(),
		Error:      snap.Status.Error,
		Succeeded:  snap.Status.Succeeded,
	})
	if err != nil {
		return Tree{}, err
	}
	tree.Files = append(tree.Files, File{Name: "status.json", Data: status})
	if !ok {
		return tree, nil
	}

	fleet, err := marshal(snap.Fleet)
	if err != nil {
		return Tree{}, err
	}
	tree.Files = append(tree.Files, File{Name: "fleet.json", Data: fleet})
	if snap.Overview != nil {
		overview, err := marshal(snap.Overview)
		if err != nil {
			return Tree{}, err
		}
		tree.Files = append(tree.Files, File{Name: "overview.json", Data: overview})
	}

	for _, cat := range roster.Categories {
		entries := snap.Columns[cat]
		files := make([]File, 0, len(entries))
		for i, entry := range entries {
			data, err := marshal(entryFile{
				Entry:    entry,
				Siblings: snap.SiblingCategories(entry.Character.ID, entry.ID),
			})
			if err != nil {
				return Tree{}, err
			}
			files = append(files, File{Name: EntryFileName(i, entry.ID), Data: data})
		}
		tree.Dirs[cat] = files
	}
	return tree, nil
}

func EntryFileName(position int, id int64) string {
	return fmt.Sprintf("%03d-%d.json", position+1, id)
}

func (t Tree) file(name string) (File, bool) {
	for _, f := range t.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

func (t Tree) dirFile(cat roster.Category, name string) (File, bool) {
	for _, f := range t.Dirs[cat] {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

func marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
