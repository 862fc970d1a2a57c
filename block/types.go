// Package block describes block-structured documents and the operations which mutate them.
package block

import (
	"github.com/google/uuid"
)

// Type is the kind of a single block.
type Type string

const (
	Heading1  Type = "heading1"
	Heading2  Type = "heading2"
	Heading3  Type = "heading3"
	Paragraph Type = "paragraph"
	Code      Type = "code"
)

// Valid returns whether this is a known block type.
func (t Type) Valid() bool {
	switch t {
	case Heading1, Heading2, Heading3, Paragraph, Code:
		return true
	}
	return false
}

// Formatting holds optional style fields.
// A nil field is "absent": it never overwrites during Merge.
type Formatting struct {
	FontWeight     *string  `json:"fontWeight,omitempty"`
	FontStyle      *string  `json:"fontStyle,omitempty"`
	TextDecoration *string  `json:"textDecoration,omitempty"`
	FontSize       *float64 `json:"fontSize,omitempty"`
	Color          *string  `json:"color,omitempty"`
	TextAlign      *string  `json:"textAlign,omitempty"`
}

// Merge overwrites every field present in from.
func (f *Formatting) Merge(from Formatting) {
	if from.FontWeight != nil {
		f.FontWeight = clonePtr(from.FontWeight)
	}
	if from.FontStyle != nil {
		f.FontStyle = clonePtr(from.FontStyle)
	}
	if from.TextDecoration != nil {
		f.TextDecoration = clonePtr(from.TextDecoration)
	}
	if from.FontSize != nil {
		f.FontSize = clonePtr(from.FontSize)
	}
	if from.Color != nil {
		f.Color = clonePtr(from.Color)
	}
	if from.TextAlign != nil {
		f.TextAlign = clonePtr(from.TextAlign)
	}
}

// Without returns a copy of f lacking every field present in mask.
func (f Formatting) Without(mask Formatting) (out Formatting) {
	out = f.clone()
	if mask.FontWeight != nil {
		out.FontWeight = nil
	}
	if mask.FontStyle != nil {
		out.FontStyle = nil
	}
	if mask.TextDecoration != nil {
		out.TextDecoration = nil
	}
	if mask.FontSize != nil {
		out.FontSize = nil
	}
	if mask.Color != nil {
		out.Color = nil
	}
	if mask.TextAlign != nil {
		out.TextAlign = nil
	}
	return out
}

// Empty returns whether no field is present.
func (f Formatting) Empty() bool {
	return f == Formatting{}
}

func (f Formatting) clone() (out Formatting) {
	out.Merge(f)
	return out
}

// Block is the unit of concurrent mutation.
// Its ID never changes; content and formatting do.
type Block struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	Content string `json:"content"`
	Formatting
}

// Clone returns a deep copy of this Block.
func (b Block) Clone() Block {
	b.Formatting = b.Formatting.clone()
	return b
}

// Document is an ordered sequence of blocks.
type Document struct {
	ID     string  `json:"id"`
	Blocks []Block `json:"blocks"`
}

// NewDocument returns the default document materialized for an unknown ID: a single empty paragraph.
func NewDocument(id string) Document {
	return Document{
		ID:     id,
		Blocks: []Block{{ID: NewID(), Type: Paragraph}},
	}
}

// NewID returns a new random ID, suitable for blocks or operations.
func NewID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of this Document.
func (d Document) Clone() Document {
	out := Document{ID: d.ID, Blocks: make([]Block, len(d.Blocks))}
	for i, b := range d.Blocks {
		out.Blocks[i] = b.Clone()
	}
	return out
}

// Index returns the position of the block with the given ID, or -1.
func (d *Document) Index(id string) int {
	for i := range d.Blocks {
		if d.Blocks[i].ID == id {
			return i
		}
	}
	return -1
}

// Lookup returns a pointer to the block with the given ID, or nil.
func (d *Document) Lookup(id string) *Block {
	if i := d.Index(id); i != -1 {
		return &d.Blocks[i]
	}
	return nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
