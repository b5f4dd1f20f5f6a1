// Package protocol defines the wire envelope exchanged with clients over
// the session channel: markdown chunks, progress components, UI interaction
// forms, inbound user messages, and control frames.
//
// Every frame in both directions is a JSON object with a top-level "type"
// discriminator. Component frames carry a second "component" discriminator
// inside the payload. Plan completion is signalled by a progress component
// whose status is the WorkflowFinish sentinel, not by a dedicated type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType is the top-level frame discriminator.
type EventType string

const (
	EventMarkdown    EventType = "markdown"
	EventComponent   EventType = "component"
	EventUserMessage EventType = "user_message"
	EventControl     EventType = "control"
	EventConnection  EventType = "connection"
)

// ComponentType discriminates component payloads.
type ComponentType string

const (
	ComponentProgress      ComponentType = "progress"
	ComponentUIInteraction ComponentType = "ui_interaction"

	// componentFormSubmit is accepted on ingest for older clients and
	// normalised to a ui_interaction form reply.
	componentFormSubmit ComponentType = "form_submit"
)

// WorkflowFinish is the sentinel progress status marking plan completion.
const WorkflowFinish = "_workflow_finish"

// Envelope is one wire frame.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ComponentPayload is the payload of an EventComponent frame.
type ComponentPayload struct {
	Component ComponentType   `json:"component"`
	Data      json.RawMessage `json:"data"`
}

// ProgressData is the data of a progress component. StepIndex and
// TotalSteps are present on step indicators only.
type ProgressData struct {
	Status     string `json:"status"`
	StepIndex  *int   `json:"stepIndex,omitempty"`
	TotalSteps *int   `json:"totalSteps,omitempty"`
}

// UIInteractionData is the data of a ui_interaction component. Exactly one
// of Form, Query, or Results is set.
type UIInteractionData struct {
	Form    json.RawMessage `json:"form,omitempty"`
	Query   *OptionsQuery   `json:"query,omitempty"`
	Results []FieldOption   `json:"results,omitempty"`
	HasMore *bool           `json:"hasMore,omitempty"`

	// Echoed on async option results so clients can correlate.
	FormID   string `json:"formId,omitempty"`
	FieldKey string `json:"fieldKey,omitempty"`
}

// FormReply is an inbound form submission.
type FormReply struct {
	ID     string         `json:"id"`
	Values map[string]any `json:"values"`
}

// legacyFormSubmit is the older inbound submission shape.
type legacyFormSubmit struct {
	FormID string         `json:"formId"`
	Values map[string]any `json:"values"`
}

// OptionsQuery is an inbound async select lookup.
type OptionsQuery struct {
	FormID   string `json:"formId"`
	FieldKey string `json:"fieldKey"`
	Term     string `json:"term"`
	Page     int    `json:"page"`
}

// AttachmentRef points at an attachment by opaque reference.
type AttachmentRef struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// UserMessagePayload is the payload of an inbound user_message frame.
type UserMessagePayload struct {
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// ControlAction is an inbound control verb.
type ControlAction string

const (
	ControlCancel ControlAction = "cancel"
	ControlClose  ControlAction = "close"
)

// ControlPayload is the payload of an inbound control frame.
type ControlPayload struct {
	Action ControlAction `json:"action"`
}

// ConnectionPayload is the payload of the outbound connection frame sent
// once by the transport when a client attaches.
type ConnectionPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// ============================================================================
// Outbound constructors
// ============================================================================

func marshalRaw(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// NewMarkdown builds a markdown chunk frame.
func NewMarkdown(text string) *Envelope {
	return &Envelope{Type: EventMarkdown, Payload: marshalRaw(text)}
}

// NewProgress builds an ephemeral progress frame.
func NewProgress(status string) *Envelope {
	return newComponent(ComponentProgress, ProgressData{Status: status})
}

// NewStepProgress builds a step indicator frame (1-based index).
func NewStepProgress(status string, stepIndex, totalSteps int) *Envelope {
	return newComponent(ComponentProgress, ProgressData{
		Status:     status,
		StepIndex:  &stepIndex,
		TotalSteps: &totalSteps,
	})
}

// NewWorkflowFinish builds the completion sentinel frame.
func NewWorkflowFinish() *Envelope {
	return newComponent(ComponentProgress, ProgressData{Status: WorkflowFinish})
}

// NewFormRequest builds an outbound form request frame.
func NewFormRequest(form *Form) *Envelope {
	return newComponent(ComponentUIInteraction, UIInteractionData{Form: marshalRaw(form)})
}

// NewOptionsResults builds the answer to an async select lookup.
func NewOptionsResults(query *OptionsQuery, results []FieldOption, hasMore bool) *Envelope {
	return newComponent(ComponentUIInteraction, UIInteractionData{
		Results:  results,
		HasMore:  &hasMore,
		FormID:   query.FormID,
		FieldKey: query.FieldKey,
	})
}

// NewConnectionAck builds the transport-level attach acknowledgement.
func NewConnectionAck(sessionID string) *Envelope {
	return &Envelope{
		Type:    EventConnection,
		Payload: marshalRaw(ConnectionPayload{Status: "connected", SessionID: sessionID}),
	}
}

func newComponent(component ComponentType, data any) *Envelope {
	return &Envelope{
		Type: EventComponent,
		Payload: marshalRaw(ComponentPayload{
			Component: component,
			Data:      marshalRaw(data),
		}),
	}
}

// Encode marshals the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Progress decodes the progress data of a progress component frame.
// Returns nil when the frame is not a progress component.
func (e *Envelope) Progress() *ProgressData {
	if e.Type != EventComponent {
		return nil
	}
	var cp ComponentPayload
	if err := json.Unmarshal(e.Payload, &cp); err != nil || cp.Component != ComponentProgress {
		return nil
	}
	var pd ProgressData
	if err := json.Unmarshal(cp.Data, &pd); err != nil {
		return nil
	}
	return &pd
}

// IsWorkflowFinish reports whether the frame is the completion sentinel.
func (e *Envelope) IsWorkflowFinish() bool {
	pd := e.Progress()
	return pd != nil && pd.Status == WorkflowFinish
}

// Droppable reports whether the frame may be discarded under subscriber
// backpressure. Only plain progress frames are droppable; markdown, forms,
// option results, and the finish sentinel must reach the client.
func (e *Envelope) Droppable() bool {
	pd := e.Progress()
	return pd != nil && pd.Status != WorkflowFinish
}

// ============================================================================
// Inbound decoding
// ============================================================================

// ClientEventKind names the normalised inbound frame kinds.
type ClientEventKind string

const (
	ClientUserMessage  ClientEventKind = "user_message"
	ClientFormReply    ClientEventKind = "form_reply"
	ClientOptionsQuery ClientEventKind = "options_query"
	ClientControl      ClientEventKind = "control"
)

// ClientEvent is one normalised inbound frame. Exactly the field matching
// Kind is populated.
type ClientEvent struct {
	Kind    ClientEventKind
	Message *UserMessagePayload
	Reply   *FormReply
	Query   *OptionsQuery
	Control *ControlPayload
}

// DecodeClientEvent parses and normalises one inbound frame. The legacy
// form_submit component is mapped onto a form reply.
func DecodeClientEvent(data []byte) (*ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case EventUserMessage:
		var p UserMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed user_message payload: %w", err)
		}
		return &ClientEvent{Kind: ClientUserMessage, Message: &p}, nil

	case EventControl:
		var p ControlPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed control payload: %w", err)
		}
		if p.Action != ControlCancel && p.Action != ControlClose {
			return nil, fmt.Errorf("unknown control action %q", p.Action)
		}
		return &ClientEvent{Kind: ClientControl, Control: &p}, nil

	case EventComponent:
		return decodeClientComponent(env.Payload)

	default:
		return nil, fmt.Errorf("unsupported inbound frame type %q", env.Type)
	}
}

func decodeClientComponent(payload json.RawMessage) (*ClientEvent, error) {
	var cp ComponentPayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("malformed component payload: %w", err)
	}

	switch cp.Component {
	case ComponentUIInteraction:
		var data UIInteractionData
		if err := json.Unmarshal(cp.Data, &data); err != nil {
			return nil, fmt.Errorf("malformed ui_interaction data: %w", err)
		}
		if data.Query != nil {
			return &ClientEvent{Kind: ClientOptionsQuery, Query: data.Query}, nil
		}
		if len(data.Form) > 0 {
			var reply FormReply
			if err := json.Unmarshal(data.Form, &reply); err != nil {
				return nil, fmt.Errorf("malformed form reply: %w", err)
			}
			if reply.ID == "" {
				return nil, fmt.Errorf("form reply missing id")
			}
			return &ClientEvent{Kind: ClientFormReply, Reply: &reply}, nil
		}
		return nil, fmt.Errorf("ui_interaction frame carries neither form nor query")

	case componentFormSubmit:
		var legacy legacyFormSubmit
		if err := json.Unmarshal(cp.Data, &legacy); err != nil {
			return nil, fmt.Errorf("malformed form_submit data: %w", err)
		}
		if legacy.FormID == "" {
			return nil, fmt.Errorf("form_submit missing formId")
		}
		return &ClientEvent{
			Kind:  ClientFormReply,
			Reply: &FormReply{ID: legacy.FormID, Values: legacy.Values},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported inbound component %q", cp.Component)
	}
}
