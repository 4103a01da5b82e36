// Package mediator implements the agent-facing protocol logic: the
// message model, the pickup queue, the event bus, forward routing and
// the per-connection session controller.
package mediator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Protocol message types handled by the mediator.
const (
	TypePing         = "https://didcomm.org/trust_ping/1.0/ping"
	TypePingResponse = "https://didcomm.org/trust_ping/1.0/ping_response"

	TypeConnRequest  = "https://didcomm.org/connections/1.0/request"
	TypeConnResponse = "https://didcomm.org/connections/1.0/response"
	TypeInvitation   = "https://didcomm.org/connections/1.0/invitation"

	TypeMediateRequest        = "https://didcomm.org/coordinate-mediation/1.0/mediate-request"
	TypeMediateGrant          = "https://didcomm.org/coordinate-mediation/1.0/mediate-grant"
	TypeKeylistUpdate         = "https://didcomm.org/coordinate-mediation/1.0/keylist-update"
	TypeKeylistUpdateResponse = "https://didcomm.org/coordinate-mediation/1.0/keylist-update-response"
	TypeKeylistQuery          = "https://didcomm.org/coordinate-mediation/1.0/keylist-query"
	TypeKeylist               = "https://didcomm.org/coordinate-mediation/1.0/keylist"

	TypeStatusRequest = "https://didcomm.org/messagepickup/1.0/status-request"
	TypeStatus        = "https://didcomm.org/messagepickup/1.0/status"
	TypeBatchPickup   = "https://didcomm.org/messagepickup/1.0/batch-pickup"
	TypeBatch         = "https://didcomm.org/messagepickup/1.0/batch"
	TypeListPickup    = "https://didcomm.org/messagepickup/1.0/list-pickup"
	TypeListResponse  = "https://didcomm.org/messagepickup/1.0/list-response"
	TypeNoop          = "https://didcomm.org/messagepickup/1.0/noop"

	TypeBusSubscribe       = "https://didcomm.org/bus/1.0/subscribe"
	TypeBusUnsubscribe     = "https://didcomm.org/bus/1.0/unsubscribe"
	TypeBusPublish         = "https://didcomm.org/bus/1.0/publish"
	TypeBusEvent           = "https://didcomm.org/bus/1.0/event"
	TypeBusBindResponse    = "https://didcomm.org/bus/1.0/bind-response"
	TypeBusPublishResponse = "https://didcomm.org/bus/1.0/publish-response"

	TypeForward       = "https://didcomm.org/routing/1.0/forward"
	TypeProblemReport = "https://didcomm.org/notification/1.0/problem-report"
)

// Return-route modes of the ~transport decorator.
const (
	ReturnRouteNone   = "none"
	ReturnRouteAll    = "all"
	ReturnRouteThread = "thread"
)

// Message is a decoded agent message. Raw keeps the full document so
// handlers can decode their typed fields from it.
type Message struct {
	ID        string
	Type      string
	Raw       json.RawMessage
	transport *transportDecorator
	thread    *threadDecorator
}

type transportDecorator struct {
	ReturnRoute string `json:"return_route"`
}

type threadDecorator struct {
	Thid string `json:"thid"`
}

// ParseMessage decodes the common header and decorators of a message.
func ParseMessage(raw []byte) (*Message, error) {
	var header struct {
		ID        string               `json:"@id"`
		Type      string               `json:"@type"`
		Transport *transportDecorator  `json:"~transport"`
		Thread    *threadDecorator     `json:"~thread"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if header.Type == "" {
		return nil, fmt.Errorf("message has no @type")
	}
	return &Message{
		ID:        header.ID,
		Type:      header.Type,
		Raw:       json.RawMessage(raw),
		transport: header.Transport,
		thread:    header.Thread,
	}, nil
}

// ReturnRoute reports the requested return route mode, none by default.
func (m *Message) ReturnRoute() string {
	if m.transport == nil || m.transport.ReturnRoute == "" {
		return ReturnRouteNone
	}
	return m.transport.ReturnRoute
}

// ThreadID returns ~thread.thid, falling back to @id.
func (m *Message) ThreadID() string {
	if m.thread != nil && m.thread.Thid != "" {
		return m.thread.Thid
	}
	return m.ID
}

// Decode unmarshals the full message into a typed view.
func (m *Message) Decode(out any) error {
	return json.Unmarshal(m.Raw, out)
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.NewString()
}

// base fields shared by all outbound messages.
type base struct {
	ID   string `json:"@id"`
	Type string `json:"@type"`
}

func newBase(typ string) base {
	return base{ID: NewID(), Type: typ}
}

// thread attaches ~thread.thid to a reply when the request asked for
// thread return routing.
type thread struct {
	Thread *threadDecorator `json:"~thread,omitempty"`
}

func replyThread(request *Message) thread {
	if request.ReturnRoute() == ReturnRouteThread {
		return thread{Thread: &threadDecorator{Thid: request.ThreadID()}}
	}
	return thread{}
}

// PingResponse answers a trust ping.
type PingResponse struct {
	base
	thread
	Comment string `json:"comment,omitempty"`
}

func NewPingResponse(request *Message, comment string) PingResponse {
	return PingResponse{base: newBase(TypePingResponse), thread: replyThread(request), Comment: comment}
}

// MediateGrant confirms mediation and tells the recipient which
// endpoint and routing keys to advertise.
type MediateGrant struct {
	base
	thread
	Endpoint    string   `json:"endpoint"`
	RoutingKeys []string `json:"routing_keys"`
}

// KeylistUpdateRule is one add/remove action of a keylist update.
type KeylistUpdateRule struct {
	RecipientKey string `json:"recipient_key"`
	Action       string `json:"action"`
}

// KeylistUpdated is the applied form of a rule, with its result.
type KeylistUpdated struct {
	RecipientKey string `json:"recipient_key"`
	Action       string `json:"action"`
	Result       string `json:"result"`
}

// Keylist update actions and results.
const (
	KeylistActionAdd    = "add"
	KeylistActionRemove = "remove"

	KeylistResultSuccess     = "success"
	KeylistResultServerError = "server_error"
	KeylistResultNoChange    = "no_change"
)

// KeylistUpdateResponse reports per-rule outcomes.
type KeylistUpdateResponse struct {
	base
	thread
	Updated []KeylistUpdated `json:"updated"`
}

// KeylistKey is one entry of a keylist response.
type KeylistKey struct {
	RecipientKey string `json:"recipient_key"`
}

// Keylist answers a keylist query with one page of keys.
type Keylist struct {
	base
	thread
	Keys      []KeylistKey `json:"keys"`
	Count     int          `json:"count"`
	Offset    int          `json:"offset"`
	Remaining int          `json:"remaining"`
}

// Status reports the pickup queue state.
type Status struct {
	base
	thread
	MessageCount  int    `json:"message_count"`
	LastAddedTime string `json:"last_added_time,omitempty"`
	DurationLimit int    `json:"duration_limit"`
}

// BatchAttach is one queued message inside a batch response.
type BatchAttach struct {
	ID      string          `json:"@id"`
	Message json.RawMessage `json:"message"`
}

// Batch carries picked-up messages.
type Batch struct {
	base
	thread
	Messages []BatchAttach `json:"messages~attach"`
}

// ListResponse enumerates queued messages without removing them.
type ListResponse struct {
	base
	thread
	Messages []BatchAttach `json:"messages~attach"`
}

// Noop is the keep-alive answer when there is nothing to deliver.
type Noop struct {
	base
	thread
}

// Pickup problem codes.
const (
	PickupProblemTimeout    = "timeout_occurred"
	PickupProblemEmptyQueue = "empty_queue"
)

const didKeyPrefix = "did:key:"

// StripKeyPrefix accepts keys in both bare base58 and did:key form.
func StripKeyPrefix(key string) string {
	return strings.TrimPrefix(key, didKeyPrefix)
}

// DIDKey renders a base58 verkey in did:key form.
func DIDKey(key string) string {
	if strings.HasPrefix(key, didKeyPrefix) {
		return key
	}
	return didKeyPrefix + key
}

// ProblemReport tells the remote side an operation failed.
type ProblemReport struct {
	base
	thread
	ProblemCode string `json:"problem-code"`
	Explain     string `json:"explain"`
}

func NewProblemReport(request *Message, code, explain string) ProblemReport {
	return ProblemReport{
		base:        newBase(TypeProblemReport),
		thread:      replyThread(request),
		ProblemCode: code,
		Explain:     explain,
	}
}

// Forward is the routing envelope wrapper: msg is packed for the next
// hop named by to.
type Forward struct {
	ID   string          `json:"@id"`
	Type string          `json:"@type"`
	To   string          `json:"to"`
	Msg  json.RawMessage `json:"msg"`
}

func NewForward(to string, msg json.RawMessage) Forward {
	return Forward{ID: NewID(), Type: TypeForward, To: to, Msg: msg}
}
