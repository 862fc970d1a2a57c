// Package wire defines the messages exchanged between clients and the sync server.
//
// Every message is a JSON object with a "type" discriminator and a millisecond "timestamp".
// Inbound payloads are decoded once, at the boundary, into a closed set of types.
package wire

import (
	"time"

	"github.com/samthor/blocksync/block"
	"github.com/samthor/blocksync/internal/tagged"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeJoined               Type = "joined"
	TypeUserJoined           Type = "userJoined"
	TypeUserLeft             Type = "userLeft"
	TypeDocumentOperation    Type = "documentOperation"
	TypeOperationBroadcast   Type = "operationBroadcast"
	TypeOperationAck         Type = "operationAck"
	TypeCursorUpdate         Type = "cursorUpdate"
	TypeRequestDocumentState Type = "requestDocumentState"
	TypeDocumentState        Type = "documentState"
	TypeError                Type = "error"
)

// Error codes sent in Error.
const (
	CodeInvalidMessage   = "invalid_message"
	CodeUnknownType      = "unknown_type"
	CodeInvalidOperation = "invalid_operation"
	CodeWrongDocument    = "wrong_document"
	CodeInternal         = "internal_error"
)

// Now returns a timestamp for a new message.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ClientMessage is sent from a client to the server.
type ClientMessage interface {
	MessageType() Type
	clientMessage()
}

// ServerMessage is sent from the server to a client.
type ServerMessage interface {
	MessageType() Type
	serverMessage()
}

// User describes presence of one user in a room.
type User struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
	IsOnline bool   `json:"isOnline"`
}

// Joined is sent to a session once it is registered in its room.
type Joined struct {
	DocumentID  string         `json:"documentId"`
	Document    block.Document `json:"document"`
	ActiveUsers []User         `json:"activeUsers"`
	Timestamp   int64          `json:"timestamp"`
}

// UserJoined is sent to everyone else in a room when a session joins.
type UserJoined struct {
	DocumentID string `json:"documentId"`
	User       User   `json:"user"`
	Timestamp  int64  `json:"timestamp"`
}

// UserLeft is sent to the remaining sessions in a room when a session leaves.
type UserLeft struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Timestamp  int64  `json:"timestamp"`
}

// DocumentOperation submits an operation.
type DocumentOperation struct {
	Operation block.Op `json:"operation"`
	Timestamp int64    `json:"timestamp"`
}

// OperationBroadcast relays an operation to everyone but its origin.
type OperationBroadcast struct {
	Operation block.Op `json:"operation"`
	UserID    string   `json:"userId"`
	UserName  string   `json:"userName"`
	Timestamp int64    `json:"timestamp"`
}

// OperationAck is sent to the origin after its operation was broadcast.
type OperationAck struct {
	OperationID string `json:"operationId"`
	Success     bool   `json:"success"`
	Timestamp   int64  `json:"timestamp"`
}

// CursorUpdate is ephemeral cursor and selection state.
// Sent by clients and relayed verbatim by the server, except that the server stamps the sender's identity.
type CursorUpdate struct {
	UserID         string  `json:"userId"`
	UserName       string  `json:"userName"`
	DocumentID     string  `json:"documentId"`
	BlockID        *string `json:"blockId"`
	Position       int     `json:"position"`
	SelectionStart *int    `json:"selectionStart,omitempty"`
	SelectionEnd   *int    `json:"selectionEnd,omitempty"`
	Color          string  `json:"color"`
	Timestamp      int64   `json:"timestamp"`
}

// RequestDocumentState asks for a full resync.
type RequestDocumentState struct {
	DocumentID string `json:"documentId"`
	Timestamp  int64  `json:"timestamp"`
}

// DocumentState replies to RequestDocumentState.
type DocumentState struct {
	Document    block.Document `json:"document"`
	ActiveUsers []User         `json:"activeUsers"`
	Timestamp   int64          `json:"timestamp"`
}

// Error reports a problem with a single inbound message.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (Joined) MessageType() Type               { return TypeJoined }
func (UserJoined) MessageType() Type           { return TypeUserJoined }
func (UserLeft) MessageType() Type             { return TypeUserLeft }
func (DocumentOperation) MessageType() Type    { return TypeDocumentOperation }
func (OperationBroadcast) MessageType() Type   { return TypeOperationBroadcast }
func (OperationAck) MessageType() Type         { return TypeOperationAck }
func (CursorUpdate) MessageType() Type         { return TypeCursorUpdate }
func (RequestDocumentState) MessageType() Type { return TypeRequestDocumentState }
func (DocumentState) MessageType() Type        { return TypeDocumentState }
func (Error) MessageType() Type                { return TypeError }

func (DocumentOperation) clientMessage()    {}
func (CursorUpdate) clientMessage()         {}
func (RequestDocumentState) clientMessage() {}

func (Joined) serverMessage()             {}
func (UserJoined) serverMessage()         {}
func (UserLeft) serverMessage()           {}
func (OperationBroadcast) serverMessage() {}
func (OperationAck) serverMessage()       {}
func (CursorUpdate) serverMessage()       {}
func (DocumentState) serverMessage()      {}
func (Error) serverMessage()              {}

func (m Joined) MarshalJSON() ([]byte, error) {
	type plain Joined
	return tagged.Marshal(string(TypeJoined), plain(m))
}

func (m UserJoined) MarshalJSON() ([]byte, error) {
	type plain UserJoined
	return tagged.Marshal(string(TypeUserJoined), plain(m))
}

func (m UserLeft) MarshalJSON() ([]byte, error) {
	type plain UserLeft
	return tagged.Marshal(string(TypeUserLeft), plain(m))
}

func (m DocumentOperation) MarshalJSON() ([]byte, error) {
	type plain DocumentOperation
	return tagged.Marshal(string(TypeDocumentOperation), plain(m))
}

func (m OperationBroadcast) MarshalJSON() ([]byte, error) {
	type plain OperationBroadcast
	return tagged.Marshal(string(TypeOperationBroadcast), plain(m))
}

func (m OperationAck) MarshalJSON() ([]byte, error) {
	type plain OperationAck
	return tagged.Marshal(string(TypeOperationAck), plain(m))
}

func (m CursorUpdate) MarshalJSON() ([]byte, error) {
	type plain CursorUpdate
	return tagged.Marshal(string(TypeCursorUpdate), plain(m))
}

func (m RequestDocumentState) MarshalJSON() ([]byte, error) {
	type plain RequestDocumentState
	return tagged.Marshal(string(TypeRequestDocumentState), plain(m))
}

func (m DocumentState) MarshalJSON() ([]byte, error) {
	type plain DocumentState
	return tagged.Marshal(string(TypeDocumentState), plain(m))
}

func (m Error) MarshalJSON() ([]byte, error) {
	type plain Error
	return tagged.Marshal(string(TypeError), plain(m))
}
