// Package events defines the closed set of SSE-level event variants the core
// emits while driving a chat turn. The set is part of the external contract:
// adding a variant is compatible, renaming one is not.
package events

import "encoding/json"

// Type identifies one of the closed set of event variants.
type Type string

const (
	TypeUser           Type = "user"
	TypeChatStart      Type = "chat_start"
	TypeChat           Type = "chat"
	TypeChatEnd        Type = "chat_end"
	TypeReasoningStart Type = "reasoning_start"
	TypeReasoning      Type = "reasoning"
	TypeReasoningEnd   Type = "reasoning_end"
	TypeSummaryStart   Type = "summary_start"
	TypeSummaryEnd     Type = "summary_end"
	TypeToolCall       Type = "tool_call"
	TypeFileEdit       Type = "file_edit"
	TypeError          Type = "error"
	TypeDone           Type = "done"
)

// Event is a single SSE-level occurrence. DialogID is optional (empty when the
// event is not dialog-scoped, which in practice never happens for the chat
// pipeline but keeps the type honest for other callers). Idx is set only on
// user/chat events by the history reconstructor (C8); it is omitted from the
// wire payload when zero-valued and unset (see idxSet).
type Event struct {
	Type     Type
	DialogID string
	Idx      int
	idxSet   bool
	Data     any
}

// WithIdx returns a copy of e carrying a pagination index, for use by the
// history reconstructor when replaying user/chat events from storage.
func (e Event) WithIdx(idx int) Event {
	e.Idx = idx
	e.idxSet = true
	return e
}

// UserData is the payload of a "user" event.
type UserData struct {
	Content    string `json:"content"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Session    string `json:"session,omitempty"`
}

// ContentData is the payload shared by "chat" and "reasoning" events.
type ContentData struct {
	Content string `json:"content"`
}

// ToolCallData is the payload of a "tool_call" event.
type ToolCallData struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// FileEditData is the payload of a "file_edit" event.
type FileEditData struct {
	File string  `json:"file"`
	Diff *string `json:"diff,omitempty"`
}

// ErrorData is the payload of an "error" event.
type ErrorData struct {
	Error string `json:"error"`
}

// DoneData is the fixed payload of a "done" event.
type DoneData struct {
	Done bool `json:"done"`
}

func boundary(t Type, dialogID string) Event { return Event{Type: t, DialogID: dialogID, Data: struct{}{}} }

func User(dialogID, content, checkpoint, session string) Event {
	return Event{Type: TypeUser, DialogID: dialogID, Data: UserData{Content: content, Checkpoint: checkpoint, Session: session}}
}

func ChatStart(dialogID string) Event { return boundary(TypeChatStart, dialogID) }

func Chat(dialogID, content string) Event {
	return Event{Type: TypeChat, DialogID: dialogID, Data: ContentData{Content: content}}
}

func ChatEnd(dialogID string) Event { return boundary(TypeChatEnd, dialogID) }

func ReasoningStart(dialogID string) Event { return boundary(TypeReasoningStart, dialogID) }

func Reasoning(dialogID, content string) Event {
	return Event{Type: TypeReasoning, DialogID: dialogID, Data: ContentData{Content: content}}
}

func ReasoningEnd(dialogID string) Event { return boundary(TypeReasoningEnd, dialogID) }

func SummaryStart(dialogID string) Event { return boundary(TypeSummaryStart, dialogID) }

func SummaryEnd(dialogID string) Event { return boundary(TypeSummaryEnd, dialogID) }

func ToolCall(dialogID, name string, args json.RawMessage) Event {
	return Event{Type: TypeToolCall, DialogID: dialogID, Data: ToolCallData{Name: name, Args: args}}
}

func FileEdit(dialogID, file string, diff *string) Event {
	return Event{Type: TypeFileEdit, DialogID: dialogID, Data: FileEditData{File: file, Diff: diff}}
}

func Error(dialogID, msg string) Event {
	return Event{Type: TypeError, DialogID: dialogID, Data: ErrorData{Error: msg}}
}

func Done(dialogID string) Event {
	return Event{Type: TypeDone, DialogID: dialogID, Data: DoneData{Done: true}}
}

// wireEvent is the stable {"event":..,"data":..} shape returned by Encode.
type wireEvent struct {
	Event Type `json:"event"`
	Data  any  `json:"data"`
	Idx   *int `json:"idx,omitempty"`
}

// Encode marshals e into the stable dict shape used for SSE framing and for
// any other transport (tests, non-streaming fallbacks) that wants the same
// wire representation.
func Encode(e Event) ([]byte, error) {
	w := wireEvent{Event: e.Type, Data: e.Data}
	if e.idxSet {
		idx := e.Idx
		w.Idx = &idx
	}
	return json.Marshal(w)
}
