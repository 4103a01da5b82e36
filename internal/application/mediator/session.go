package mediator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/push"
	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	"github.com/hermes-inc/hermes/internal/shared/envelope"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/goroutine"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// GroupIDOff disables the durable stream consumer for a session: the
// device only receives live pushes.
const GroupIDOff = "off"

// Transport sends an outbound frame to the connected agent. The HTTP
// layer implements it over websockets and SSE.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
}

// EndpointUID derives the stable endpoint id for a DID.
func EndpointUID(did string) string {
	sum := sha256.Sum256([]byte(did))
	return hex.EncodeToString(sum[:])
}

// Service bundles the shared collaborators every session needs.
type Service struct {
	Keys      *envelope.KeyPair
	Registry  registry.Repository
	Pairwises registry.PairwiseRepository
	Router    *Router
	Bus       *Bus
	Pickups   *PickupRegistry
	Pool      *stream.Pool
	Engine    *push.Engine
	Label     string
	PublicURL string
	Log       logger.Interface
}

// Session drives one agent connection: it dispatches inbound protocol
// messages and runs the delivery consumers for the agent's endpoint.
// All writes to the transport serialize on one mutex.
type Session struct {
	svc       *Service
	transport Transport
	log       logger.Interface

	writeMu sync.Mutex

	mu          sync.Mutex
	endpointUID string
	theirDID    string
	theirVerkey string
	groupID     string
	consumers   context.CancelFunc
	group       *stream.GroupStream
	listeners   map[string]*busListener
}

// busListener is one live topic subscription, keyed by binding id and
// grouped by the parent thread id it was subscribed under.
type busListener struct {
	channel *stream.FanoutChannel
	pthid   string
}

// NewSession binds a transport to the service. groupID selects the
// durable consumer cohort: empty means the default cohort, GroupIDOff
// disables the durable consumer.
func (s *Service) NewSession(transport Transport, groupID string) *Session {
	return &Session{
		svc:       s,
		transport: transport,
		groupID:   groupID,
		log:       s.Log.Named("session"),
		listeners: make(map[string]*busListener),
	}
}

// Their returns the remote DID and verkey once the session is bound.
func (s *Session) Their() (did, verkey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.theirDID, s.theirVerkey
}

// Bind attaches the session to a known agent without a new handshake,
// used when the websocket authenticates by endpoint uid.
func (s *Session) Bind(ctx context.Context, endpointUID string) error {
	endpoint, err := s.svc.Registry.LoadEndpoint(ctx, endpointUID)
	if err != nil {
		return err
	}
	if endpoint == nil {
		return apperrors.NewNotFoundError(fmt.Sprintf("unknown endpoint %s", endpointUID))
	}
	s.mu.Lock()
	s.endpointUID = endpoint.UID
	s.theirVerkey = endpoint.Verkey
	s.mu.Unlock()
	return s.startConsumers(ctx, endpoint)
}

// HandleInbound processes one frame from the agent. Envelopes
// addressed to the mediator are unpacked with its keys; envelopes for
// someone else go to the forward router, which relays them still
// encrypted when a recipient kid is a registered routing key.
func (s *Session) HandleInbound(ctx context.Context, payload []byte) error {
	raw := payload
	senderVK := ""
	if envelope.IsEnvelope(payload) {
		kids, err := envelope.RecipientKids(payload)
		if err != nil {
			return apperrors.NewValidationError("malformed envelope")
		}
		mine := false
		for _, kid := range kids {
			if kid == s.svc.Keys.VerkeyB58 {
				mine = true
				break
			}
		}
		if !mine {
			_, err := s.svc.Router.Route(ctx, payload)
			return err
		}
		raw, senderVK, _, err = envelope.Unpack(payload, s.svc.Keys)
		if err != nil {
			return err
		}
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if senderVK != "" {
		s.mu.Lock()
		s.theirVerkey = senderVK
		s.mu.Unlock()
	}

	switch msg.Type {
	case TypePing:
		return s.handlePing(ctx, msg)
	case TypeConnRequest:
		return s.handleConnRequest(ctx, msg)
	case TypeMediateRequest:
		return s.handleMediateRequest(ctx, msg)
	case TypeKeylistUpdate:
		return s.handleKeylistUpdate(ctx, msg)
	case TypeKeylistQuery:
		return s.handleKeylistQuery(ctx, msg)
	case TypeStatusRequest:
		return s.handleStatusRequest(ctx, msg)
	case TypeBatchPickup:
		return s.handleBatchPickup(ctx, msg)
	case TypeListPickup:
		return s.handleListPickup(ctx, msg)
	case TypeNoop:
		return s.handleNoop(ctx, msg)
	case TypeBusSubscribe:
		return s.handleBusSubscribe(ctx, msg)
	case TypeBusUnsubscribe:
		return s.handleBusUnsubscribe(ctx, msg)
	case TypeBusPublish:
		return s.handleBusPublish(ctx, msg)
	case TypeForward:
		var fwd Forward
		if err := msg.Decode(&fwd); err != nil {
			return apperrors.NewValidationError("malformed forward message")
		}
		_, err := s.svc.Router.RouteTo(ctx, fwd.To, fwd.Msg)
		return err
	default:
		s.log.Debugw("unhandled message type", "type", msg.Type)
		return s.reply(ctx, msg, NewProblemReport(msg, "unsupported", fmt.Sprintf("type %s is not supported", msg.Type)))
	}
}

// reply packs a response for the session's agent and writes it out,
// unless the request suppressed return routing.
func (s *Session) reply(ctx context.Context, request *Message, response any) error {
	if request.ReturnRoute() == ReturnRouteNone {
		return nil
	}
	return s.send(ctx, response)
}

func (s *Session) send(ctx context.Context, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	s.mu.Lock()
	verkey := s.theirVerkey
	s.mu.Unlock()

	out := raw
	if verkey != "" {
		out, err = envelope.Pack(raw, []string{verkey}, s.svc.Keys)
		if err != nil {
			return err
		}
	}
	return s.writeFrame(ctx, out)
}

// writeFrame serializes raw transport writes across all goroutines of
// the session.
func (s *Session) writeFrame(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.Send(ctx, frame)
}

func (s *Session) handlePing(ctx context.Context, msg *Message) error {
	var ping struct {
		Comment           string `json:"comment"`
		ResponseRequested *bool  `json:"response_requested"`
	}
	_ = msg.Decode(&ping)
	if ping.ResponseRequested != nil && !*ping.ResponseRequested {
		return nil
	}
	return s.reply(ctx, msg, NewPingResponse(msg, ping.Comment))
}

func (s *Session) handleMediateRequest(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	did, verkey := s.theirDID, s.theirVerkey
	s.mu.Unlock()
	if verkey == "" {
		return s.reply(ctx, msg, NewProblemReport(msg, "unauthorized", "mediation needs an authenticated sender"))
	}
	if did == "" {
		// No handshake happened on this session: derive identity from
		// the sender verkey so mediation still works.
		agent, err := s.svc.Registry.LoadAgentByVerkey(ctx, verkey)
		if err != nil {
			return err
		}
		if agent != nil {
			did = agent.DID
		} else {
			vk, err := envelope.VerkeyFromB58(verkey)
			if err != nil {
				return err
			}
			did = envelope.DIDFromVerkey(vk)
			if err := s.svc.Registry.EnsureAgent(ctx, did, verkey, registry.AgentUpdate{}); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.theirDID = did
		s.mu.Unlock()
	}

	uid := EndpointUID(did)
	agent, err := s.svc.Registry.LoadAgent(ctx, did)
	if err != nil {
		return err
	}
	var agentID *string
	if agent != nil {
		agentID = &agent.ID
	}
	if err := s.svc.Registry.EnsureEndpoint(ctx, uid, registry.EndpointUpdate{
		Verkey:  &verkey,
		AgentID: agentID,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.endpointUID = uid
	s.mu.Unlock()

	endpoint, err := s.svc.Registry.LoadEndpoint(ctx, uid)
	if err != nil {
		return err
	}
	if err := s.startConsumers(ctx, endpoint); err != nil {
		return err
	}

	// With no registered routing keys the recipient is reached at its
	// own inbox directly. Once keys exist the grant points at the
	// forward router and includes the mediator verkey as the last hop.
	routingKeys, err := s.svc.Registry.ListRoutingKeys(ctx, uid)
	if err != nil {
		return err
	}
	grant := MediateGrant{
		base:        newBase(TypeMediateGrant),
		thread:      replyThread(msg),
		Endpoint:    s.svc.PublicURL + "/e/" + uid,
		RoutingKeys: []string{},
	}
	if len(routingKeys) > 0 {
		grant.Endpoint = s.svc.PublicURL + "/endpoint"
		for _, k := range routingKeys {
			grant.RoutingKeys = append(grant.RoutingKeys, k.Key)
		}
		grant.RoutingKeys = append(grant.RoutingKeys, s.svc.Keys.VerkeyB58)
	}
	return s.reply(ctx, msg, grant)
}

func (s *Session) handleKeylistUpdate(ctx context.Context, msg *Message) error {
	uid := s.currentEndpoint()
	if uid == "" {
		return s.reply(ctx, msg, NewProblemReport(msg, "no_mediation", "request mediation first"))
	}

	var update struct {
		Updates []KeylistUpdateRule `json:"updates"`
	}
	if err := msg.Decode(&update); err != nil {
		return apperrors.NewValidationError("malformed keylist update")
	}

	updated := make([]KeylistUpdated, 0, len(update.Updates))
	for _, rule := range update.Updates {
		key := StripKeyPrefix(rule.RecipientKey)
		result := KeylistResultSuccess
		var err error
		switch rule.Action {
		case KeylistActionAdd:
			_, err = s.svc.Registry.AddRoutingKey(ctx, uid, key)
		case KeylistActionRemove:
			err = s.svc.Registry.RemoveRoutingKey(ctx, uid, key)
		default:
			result = KeylistResultNoChange
		}
		if err != nil {
			s.log.Errorw("keylist update failed", "action", rule.Action, "error", err)
			result = KeylistResultServerError
		}
		updated = append(updated, KeylistUpdated{
			RecipientKey: key,
			Action:       rule.Action,
			Result:       result,
		})
	}

	response := KeylistUpdateResponse{
		base:    newBase(TypeKeylistUpdateResponse),
		thread:  replyThread(msg),
		Updated: updated,
	}
	return s.reply(ctx, msg, response)
}

func (s *Session) handleKeylistQuery(ctx context.Context, msg *Message) error {
	uid := s.currentEndpoint()
	if uid == "" {
		return s.reply(ctx, msg, NewProblemReport(msg, "no_mediation", "request mediation first"))
	}

	var query struct {
		Paginate struct {
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		} `json:"paginate"`
	}
	_ = msg.Decode(&query)

	keys, err := s.svc.Registry.ListRoutingKeys(ctx, uid)
	if err != nil {
		return err
	}

	offset := query.Paginate.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(keys) {
		offset = len(keys)
	}
	limit := query.Paginate.Limit
	if limit <= 0 {
		limit = len(keys)
	}
	end := offset + limit
	if end > len(keys) {
		end = len(keys)
	}
	paged := keys[offset:end]

	response := Keylist{
		base:      newBase(TypeKeylist),
		thread:    replyThread(msg),
		Count:     len(paged),
		Offset:    offset,
		Remaining: len(keys) - len(paged) - offset,
	}
	for _, k := range paged {
		response.Keys = append(response.Keys, KeylistKey{RecipientKey: DIDKey(k.Key)})
	}
	return s.reply(ctx, msg, response)
}

func (s *Session) handleStatusRequest(ctx context.Context, msg *Message) error {
	queue := s.pickupQueue()
	// duration_limit stays 0: the queue never expires messages.
	response := Status{base: newBase(TypeStatus), thread: replyThread(msg)}
	if queue != nil {
		response.MessageCount = queue.Len()
		if ts := queue.LastAdded(); !ts.IsZero() {
			response.LastAddedTime = ts.UTC().Format(time.RFC3339)
		}
	}
	return s.reply(ctx, msg, response)
}

// handleNoop behaves as a batch pickup of size one: the next queued
// message goes out as-is, otherwise a problem report tells the agent
// whether the wait expired or the queue was empty.
func (s *Session) handleNoop(ctx context.Context, msg *Message) error {
	var request struct {
		DelayTimeout float64 `json:"delay_timeout"`
	}
	_ = msg.Decode(&request)

	queue := s.pickupQueue()
	if queue == nil {
		return s.reply(ctx, msg, NewProblemReport(msg, PickupProblemEmptyQueue, "no pickup queue on this session"))
	}

	timeout := time.Duration(request.DelayTimeout * float64(time.Second))
	batch := queue.Batch(ctx, 1, timeout)
	if len(batch) == 1 {
		return s.writeFrame(ctx, batch[0].Payload)
	}
	if request.DelayTimeout > 0 {
		return s.reply(ctx, msg, NewProblemReport(msg, PickupProblemTimeout, "wait expired with nothing queued"))
	}
	return s.reply(ctx, msg, NewProblemReport(msg, PickupProblemEmptyQueue, "nothing queued"))
}

func (s *Session) handleBatchPickup(ctx context.Context, msg *Message) error {
	var request struct {
		BatchSize    int     `json:"batch_size"`
		DelayTimeout float64 `json:"delay_timeout"`
	}
	if err := msg.Decode(&request); err != nil {
		return apperrors.NewValidationError("malformed batch pickup")
	}

	queue := s.pickupQueue()
	if queue == nil {
		return s.reply(ctx, msg, Noop{base: newBase(TypeNoop), thread: replyThread(msg)})
	}

	timeout := time.Duration(request.DelayTimeout * float64(time.Second))
	batch := queue.Batch(ctx, request.BatchSize, timeout)
	if len(batch) == 0 {
		return s.reply(ctx, msg, Noop{base: newBase(TypeNoop), thread: replyThread(msg)})
	}

	response := Batch{base: newBase(TypeBatch), thread: replyThread(msg)}
	for _, m := range batch {
		response.Messages = append(response.Messages, BatchAttach{ID: m.ID, Message: m.Payload})
	}
	return s.reply(ctx, msg, response)
}

func (s *Session) handleListPickup(ctx context.Context, msg *Message) error {
	var request struct {
		MessageIDs []string `json:"message_ids"`
	}
	_ = msg.Decode(&request)
	wanted := make(map[string]bool, len(request.MessageIDs))
	for _, id := range request.MessageIDs {
		wanted[id] = true
	}

	response := ListResponse{base: newBase(TypeListResponse), thread: replyThread(msg)}
	if queue := s.pickupQueue(); queue != nil {
		for _, m := range queue.List() {
			if len(wanted) > 0 && !wanted[m.ID] {
				continue
			}
			response.Messages = append(response.Messages, BatchAttach{ID: m.ID, Message: m.Payload})
		}
	}
	return s.reply(ctx, msg, response)
}

// EnablePickup switches the session's endpoint into pickup mode.
func (s *Session) EnablePickup() *PickupQueue {
	uid := s.currentEndpoint()
	if uid == "" {
		return nil
	}
	return s.svc.Pickups.Enable(uid)
}

func (s *Session) pickupQueue() *PickupQueue {
	uid := s.currentEndpoint()
	if uid == "" {
		return nil
	}
	if q, ok := s.svc.Pickups.Get(uid); ok {
		return q
	}
	// Pickup starts implicitly with the first pickup-protocol message.
	return s.svc.Pickups.Enable(uid)
}

func (s *Session) currentEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpointUID
}

func (s *Session) handleBusSubscribe(ctx context.Context, msg *Message) error {
	var request BusSubscribe
	if err := msg.Decode(&request); err != nil {
		return apperrors.NewValidationError("malformed bus subscribe")
	}
	bindingID, err := request.Cast.BindingID()
	if err != nil {
		return s.reply(ctx, msg, NewProblemReport(msg, ProblemCodeInvalidCast, err.Error()))
	}

	s.mu.Lock()
	did := s.theirDID
	_, exists := s.listeners[bindingID]
	s.mu.Unlock()
	if did == "" {
		return s.reply(ctx, msg, NewProblemReport(msg, "unauthorized", "bus needs a bound session"))
	}

	if !exists {
		channel := s.svc.Bus.Channel(did, bindingID)
		if err := channel.Subscribe(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		s.listeners[bindingID] = &busListener{channel: channel, pthid: request.ParentThreadID}
		s.mu.Unlock()

		goroutine.SafeGo(s.log, "bus-listener", func() {
			s.runBusListener(ctx, bindingID, request.ParentThreadID, channel)
		})
	}

	response := BusBindResponse{
		base:           newBase(TypeBusBindResponse),
		thread:         replyThread(msg),
		BindingIDs:     []string{bindingID},
		Active:         true,
		ParentThreadID: request.ParentThreadID,
	}
	return s.reply(ctx, msg, response)
}

// runBusListener forwards topic packets to the agent. In pickup mode
// the event lands on the pickup queue instead of the wire.
func (s *Session) runBusListener(ctx context.Context, bindingID, pthid string, channel *stream.FanoutChannel) {
	for {
		body, err := channel.Read(ctx, 0)
		if err != nil {
			if err != apperrors.ErrChannelClosed && ctx.Err() == nil {
				s.log.Debugw("bus listener stopped", "binding_id", bindingID, "error", err)
			}
			return
		}
		var frame busFrame
		if err := json.Unmarshal(body, &frame); err != nil {
			continue
		}
		event := BusEvent{base: newBase(TypeBusEvent), BindingID: bindingID, Payload: frame.Payload, ParentThreadID: pthid}

		if queue, ok := s.svc.Pickups.Get(s.currentEndpoint()); ok {
			raw, err := json.Marshal(event)
			if err != nil {
				continue
			}
			queue.Put(raw)
			continue
		}
		if err := s.send(ctx, event); err != nil {
			s.log.Debugw("bus event delivery failed", "binding_id", bindingID, "error", err)
			return
		}
	}
}

func (s *Session) handleBusUnsubscribe(ctx context.Context, msg *Message) error {
	var request BusUnsubscribe
	if err := msg.Decode(&request); err != nil {
		return apperrors.NewValidationError("malformed bus unsubscribe")
	}

	s.mu.Lock()
	ids := request.BindingIDs
	if len(ids) == 0 {
		for id, l := range s.listeners {
			if request.ParentThreadID != "" && l.pthid != request.ParentThreadID {
				continue
			}
			ids = append(ids, id)
		}
	}
	closed := make([]string, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.listeners[id]; ok {
			l.channel.Unsubscribe()
			delete(s.listeners, id)
			closed = append(closed, id)
		}
	}
	s.mu.Unlock()

	if !request.NeedAnswer {
		return nil
	}
	response := BusBindResponse{
		base:           newBase(TypeBusBindResponse),
		thread:         replyThread(msg),
		BindingIDs:     closed,
		Active:         false,
		ParentThreadID: request.ParentThreadID,
	}
	return s.reply(ctx, msg, response)
}

func (s *Session) handleBusPublish(ctx context.Context, msg *Message) error {
	var request BusPublish
	if err := msg.Decode(&request); err != nil {
		return apperrors.NewValidationError("malformed bus publish")
	}
	bindingID, err := request.Cast.BindingID()
	if err != nil {
		return s.reply(ctx, msg, NewProblemReport(msg, ProblemCodeInvalidCast, err.Error()))
	}

	s.mu.Lock()
	did := s.theirDID
	s.mu.Unlock()
	if did == "" {
		return s.reply(ctx, msg, NewProblemReport(msg, "unauthorized", "bus needs a bound session"))
	}

	reached, err := s.svc.Bus.Publish(ctx, did, bindingID, request.Payload)
	if err != nil {
		if apperrors.IsAppError(err) {
			return s.reply(ctx, msg, NewProblemReport(msg, ProblemCodeInvalidCast, err.Error()))
		}
		return err
	}
	response := BusPublishResponse{
		base:          newBase(TypeBusPublishResponse),
		thread:        replyThread(msg),
		RecipientsNum: reached,
		BindingID:     bindingID,
	}
	return s.reply(ctx, msg, response)
}

// startConsumers joins the endpoint's forward stream in this session's
// cohort group, unless the group id is off. The group is created
// synchronously so a push arriving right after the bind is already
// visible to it.
func (s *Session) startConsumers(ctx context.Context, endpoint *registry.Endpoint) error {
	if endpoint.ForwardStreamAddress == "" {
		shard, err := s.svc.Pool.ChooseShard(ctx, "")
		if err != nil {
			return err
		}
		addr := stream.Address{Shard: shard, Name: endpoint.UID}.String()
		if err := s.svc.Registry.EnsureEndpoint(ctx, endpoint.UID, registry.EndpointUpdate{
			ForwardStreamAddress: &addr,
		}); err != nil {
			return err
		}
		endpoint.ForwardStreamAddress = addr
	}
	addr, err := stream.ParseAddress(endpoint.ForwardStreamAddress)
	if err != nil {
		return err
	}

	if s.groupID == GroupIDOff {
		return nil
	}

	s.mu.Lock()
	if s.consumers != nil {
		s.mu.Unlock()
		return nil
	}
	consumerCtx, cancel := context.WithCancel(context.Background())
	s.consumers = cancel
	group := s.svc.Pool.Group(addr, CohortGroup(endpoint.UID, s.groupID))
	s.group = group
	s.mu.Unlock()

	if err := group.Ensure(ctx); err != nil {
		cancel()
		s.mu.Lock()
		s.consumers = nil
		s.group = nil
		s.mu.Unlock()
		return err
	}

	uid := endpoint.UID
	goroutine.SafeGo(s.log, "stream-consumer", func() {
		s.runStreamConsumer(consumerCtx, uid, group)
	})
	return nil
}

// runStreamConsumer claims forward-stream entries for this session's
// cohort. Push requests hand their message to the wire (or the pickup
// queue) and are acked both on the stream and on the pusher's reverse
// channel; entries that are not push requests go out verbatim. Expiry
// is deliberately ignored so messages parked while the device was
// offline still deliver.
func (s *Session) runStreamConsumer(ctx context.Context, endpointUID string, group *stream.GroupStream) {
	for {
		entry, err := group.Read(ctx, 0)
		if err != nil {
			if ctx.Err() == nil && err != apperrors.ErrReadTimeout {
				s.log.Debugw("stream consumer stopped", "error", err)
			}
			return
		}

		var request push.Request
		if jsonErr := json.Unmarshal(entry.Payload, &request); jsonErr != nil || request.Type != push.TypePush {
			if err := s.writeFrame(ctx, entry.Payload); err != nil {
				return
			}
			if err := group.Ack(ctx, entry.ID); err != nil {
				s.log.Warnw("stream ack failed", "entry", entry.ID, "error", err)
			}
			continue
		}

		delivered := false
		if queue, ok := s.svc.Pickups.Get(endpointUID); ok {
			queue.Put(request.Message)
			delivered = true
		} else {
			delivered = s.writeFrame(ctx, request.Message) == nil
		}
		if !delivered {
			// Transport gone: leave the entry pending for the next
			// consumer of this group.
			return
		}
		if err := group.Ack(ctx, entry.ID); err != nil {
			s.log.Warnw("stream ack failed", "entry", entry.ID, "error", err)
		}
		if err := s.svc.Engine.Respond(ctx, request, true); err != nil {
			s.log.Debugw("push ack failed", "request", request.ID, "error", err)
		}
	}
}

// Close tears the session down: consumers stop, bus listeners detach
// and the durable consumer deregisters from its group.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	cancel := s.consumers
	s.consumers = nil
	group := s.group
	s.group = nil
	listeners := s.listeners
	s.listeners = make(map[string]*busListener)
	uid := s.endpointUID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, l := range listeners {
		l.channel.Unsubscribe()
	}
	if group != nil {
		if err := group.Close(ctx); err != nil {
			s.log.Debugw("consumer deregistration failed", "error", err)
		}
	}
	if uid != "" {
		s.svc.Pickups.Disable(uid)
	}
}
