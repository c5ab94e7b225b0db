// Package command implements local undo/redo over immutable document
// states. Commands are local only: they are never persisted or broadcast,
// and undoing or redoing does not itself trigger a save.
package command

import "auditsync/api/internal/document"

type Type string

const (
	TypeCellEdit    Type = "cell-edit"
	TypeRowMetaEdit Type = "row-meta-edit"
	TypeRowArchive  Type = "row-archive"
	TypeRowDup      Type = "row-duplicate"
	TypeBulkDelete  Type = "bulk-delete"
	TypeRename      Type = "rename"
)

// Command records one reversible mutation as the document states on either
// side of it.
type Command struct {
	Type   Type
	Before document.Document
	After  document.Document
}

// Stack is a branching-history undo/redo stack. Depth is unbounded,
// matching the source behavior.
type Stack struct {
	undo []Command
	redo []Command
}

func NewStack() *Stack {
	return &Stack{}
}

// Push records a freshly applied mutation and discards any redo branch.
func (s *Stack) Push(cmd Command) {
	s.undo = append(s.undo, cmd)
	s.redo = s.redo[:0]
}

// Undo pops the newest command and returns the document state before it.
// The second return is false when there is nothing to undo.
func (s *Stack) Undo() (document.Document, bool) {
	if len(s.undo) == 0 {
		return document.Document{}, false
	}
	cmd := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, cmd)
	return cmd.Before, true
}

// Redo re-applies the most recently undone command and returns the document
// state after it. The second return is false when the redo stack is empty.
func (s *Stack) Redo() (document.Document, bool) {
	if len(s.redo) == 0 {
		return document.Document{}, false
	}
	cmd := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = append(s.undo, cmd)
	return cmd.After, true
}

func (s *Stack) CanUndo() bool { return len(s.undo) > 0 }
func (s *Stack) CanRedo() bool { return len(s.redo) > 0 }
