package block

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samthor/blocksync/internal/tagged"
)

var (
	ErrUnknownKind = errors.New("unknown operation kind")
	ErrInvalid     = errors.New("invalid operation")
)

// Kind is the wire discriminator of an Operation.
type Kind string

const (
	KindAddBlock              Kind = "addBlock"
	KindDeleteBlock           Kind = "deleteBlock"
	KindUpdateBlockContent    Kind = "updateBlockContent"
	KindUpdateBlockFormatting Kind = "updateBlockFormatting"
	KindUpdateBlockType       Kind = "updateBlockType"
	KindCursorMove            Kind = "cursorMove"
)

// Operation is an atomic, uniquely identified document mutation.
// The set of implementations is closed: AddBlock, DeleteBlock, UpdateBlockContent, UpdateBlockFormatting, UpdateBlockType and CursorMove.
type Operation interface {
	// ID returns the client-generated unique operation ID.
	ID() string

	// Document returns the ID of the document this targets.
	Document() string

	// Kind returns the wire discriminator.
	Kind() Kind

	// Target returns the ID of the block this mutates.
	// For CursorMove this is always empty, as it never mutates.
	Target() string

	isOperation()
}

// Header is embedded in every Operation.
type Header struct {
	OperationID string `json:"operationId"`
	DocumentID  string `json:"documentId"`
}

func (h Header) ID() string       { return h.OperationID }
func (h Header) Document() string { return h.DocumentID }
func (Header) isOperation()       {}

// AddBlock inserts a block after AfterBlockID, or at the start if that is nil.
type AddBlock struct {
	Header
	Block        Block   `json:"block"`
	AfterBlockID *string `json:"afterBlockId"`
}

// DeleteBlock removes a block.
type DeleteBlock struct {
	Header
	BlockID string `json:"blockId"`
}

// UpdateBlockContent replaces the content of a block wholesale.
type UpdateBlockContent struct {
	Header
	BlockID  string `json:"blockId"`
	Content  string `json:"content"`
	Position int    `json:"position"`
}

// UpdateBlockFormatting overwrites each present formatting field.
type UpdateBlockFormatting struct {
	Header
	BlockID string `json:"blockId"`
	Formatting
}

// UpdateBlockType changes the type of a block.
type UpdateBlockType struct {
	Header
	BlockID string `json:"blockId"`
	NewType Type   `json:"newType"`
}

// CursorMove is ephemeral and is only ever relayed.
type CursorMove struct {
	Header
	UserID   string  `json:"userId"`
	BlockID  *string `json:"blockId"`
	Position int     `json:"position"`
}

func (AddBlock) Kind() Kind              { return KindAddBlock }
func (DeleteBlock) Kind() Kind           { return KindDeleteBlock }
func (UpdateBlockContent) Kind() Kind    { return KindUpdateBlockContent }
func (UpdateBlockFormatting) Kind() Kind { return KindUpdateBlockFormatting }
func (UpdateBlockType) Kind() Kind       { return KindUpdateBlockType }
func (CursorMove) Kind() Kind            { return KindCursorMove }

func (op AddBlock) Target() string              { return op.Block.ID }
func (op DeleteBlock) Target() string           { return op.BlockID }
func (op UpdateBlockContent) Target() string    { return op.BlockID }
func (op UpdateBlockFormatting) Target() string { return op.BlockID }
func (op UpdateBlockType) Target() string       { return op.BlockID }
func (CursorMove) Target() string               { return "" }

func (op AddBlock) MarshalJSON() ([]byte, error) {
	type plain AddBlock
	return tagged.Marshal(string(KindAddBlock), plain(op))
}

func (op DeleteBlock) MarshalJSON() ([]byte, error) {
	type plain DeleteBlock
	return tagged.Marshal(string(KindDeleteBlock), plain(op))
}

func (op UpdateBlockContent) MarshalJSON() ([]byte, error) {
	type plain UpdateBlockContent
	return tagged.Marshal(string(KindUpdateBlockContent), plain(op))
}

func (op UpdateBlockFormatting) MarshalJSON() ([]byte, error) {
	type plain UpdateBlockFormatting
	return tagged.Marshal(string(KindUpdateBlockFormatting), plain(op))
}

func (op UpdateBlockType) MarshalJSON() ([]byte, error) {
	type plain UpdateBlockType
	return tagged.Marshal(string(KindUpdateBlockType), plain(op))
}

func (op CursorMove) MarshalJSON() ([]byte, error) {
	type plain CursorMove
	return tagged.Marshal(string(KindCursorMove), plain(op))
}

// Decode decodes a single tagged Operation.
func Decode(raw []byte) (op Operation, err error) {
	kind, err := tagged.Peek(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch Kind(kind) {
	case KindAddBlock:
		op, err = decodeAs[AddBlock](raw)
	case KindDeleteBlock:
		op, err = decodeAs[DeleteBlock](raw)
	case KindUpdateBlockContent:
		op, err = decodeAs[UpdateBlockContent](raw)
	case KindUpdateBlockFormatting:
		op, err = decodeAs[UpdateBlockFormatting](raw)
	case KindUpdateBlockType:
		op, err = decodeAs[UpdateBlockType](raw)
	case KindCursorMove:
		op, err = decodeAs[CursorMove](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return op, nil
}

func decodeAs[T Operation](raw []byte) (op Operation, err error) {
	var out T
	if err = json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks that the operation is well-formed.
// It does not check whether its target exists: stale targets are not errors.
func Validate(op Operation) error {
	if op == nil {
		return fmt.Errorf("%w: missing operation", ErrInvalid)
	}
	if op.ID() == "" {
		return fmt.Errorf("%w: missing operationId", ErrInvalid)
	}
	if op.Document() == "" {
		return fmt.Errorf("%w: missing documentId", ErrInvalid)
	}

	switch op := op.(type) {
	case AddBlock:
		if op.Block.ID == "" {
			return fmt.Errorf("%w: block has no id", ErrInvalid)
		}
		if !op.Block.Type.Valid() {
			return fmt.Errorf("%w: bad block type %q", ErrInvalid, op.Block.Type)
		}
	case UpdateBlockType:
		if !op.NewType.Valid() {
			return fmt.Errorf("%w: bad block type %q", ErrInvalid, op.NewType)
		}
	case CursorMove:
		return nil
	}

	if op.Target() == "" {
		return fmt.Errorf("%w: missing blockId", ErrInvalid)
	}
	return nil
}

// Op wraps an Operation so it can be embedded in other JSON structures.
type Op struct {
	Operation
}

func (o Op) MarshalJSON() ([]byte, error) {
	if o.Operation == nil {
		return []byte("null"), nil
	}
	return json.Marshal(o.Operation)
}

func (o *Op) UnmarshalJSON(raw []byte) (err error) {
	if string(raw) == "null" {
		o.Operation = nil
		return nil
	}
	o.Operation, err = Decode(raw)
	return err
}
