package mediator

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/shared/envelope"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
)

const typeSignatureSingle = "https://didcomm.org/signature/1.0/ed25519Sha512_single"

// DIDDoc service markers the handshake understands: a device may
// advertise its Firebase token as a service, and declare the queue
// transport to receive deliveries over this session.
const (
	ServiceTypeFCM     = "FCMService"
	QueueTransportAddr = "didcomm:transport/queue"
)

// DIDDoc is the subset of a DID document the mediator produces and
// consumes during the handshake.
type DIDDoc struct {
	Context   string         `json:"@context"`
	ID        string         `json:"id"`
	PublicKey []DIDDocKey    `json:"publicKey"`
	Service   []DIDDocService `json:"service"`
}

type DIDDocKey struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Controller      string `json:"controller"`
	PublicKeyBase58 string `json:"publicKeyBase58"`
}

type DIDDocService struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Priority        int      `json:"priority"`
	RecipientKeys   []string `json:"recipientKeys"`
	RoutingKeys     []string `json:"routingKeys,omitempty"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
}

// FirstVerkey returns the first base58 public key of the document.
func (d *DIDDoc) FirstVerkey() string {
	for _, k := range d.PublicKey {
		if k.PublicKeyBase58 != "" {
			return k.PublicKeyBase58
		}
	}
	return ""
}

// BuildDIDDoc renders the mediator's own DID document with its agent
// service endpoint.
func BuildDIDDoc(keys *envelope.KeyPair, publicURL string) DIDDoc {
	did := keys.DID()
	return DIDDoc{
		Context: "https://w3id.org/did/v1",
		ID:      did,
		PublicKey: []DIDDocKey{{
			ID:              did + "#1",
			Type:            "Ed25519VerificationKey2018",
			Controller:      did,
			PublicKeyBase58: keys.VerkeyB58,
		}},
		Service: []DIDDocService{{
			ID:              did + ";indy",
			Type:            "IndyAgent",
			Priority:        0,
			RecipientKeys:   []string{keys.VerkeyB58},
			ServiceEndpoint: publicURL,
		}},
	}
}

type connRequest struct {
	Label      string `json:"label"`
	Connection struct {
		DID    string          `json:"DID"`
		DIDDoc json.RawMessage `json:"DIDDoc"`
	} `json:"connection"`
}

type connResponse struct {
	base
	thread
	ConnectionSig signedField `json:"connection~sig"`
}

// signedField is the timestamped ed25519 signature decorator of the
// connection protocol.
type signedField struct {
	Type      string `json:"@type"`
	Signature string `json:"signature"`
	SigData   string `json:"sig_data"`
	Signer    string `json:"signer"`
}

func signField(payload []byte, keys *envelope.KeyPair) signedField {
	sigData := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(sigData, uint64(time.Now().Unix()))
	copy(sigData[8:], payload)
	return signedField{
		Type:      typeSignatureSingle,
		Signature: base64.URLEncoding.EncodeToString(envelope.SignMessage(sigData, keys)),
		SigData:   base64.URLEncoding.EncodeToString(sigData),
		Signer:    keys.VerkeyB58,
	}
}

// VerifySignedField checks the decorator and returns the signed payload
// without the timestamp prefix.
func VerifySignedField(field signedField) ([]byte, error) {
	sigData, err := base64.URLEncoding.DecodeString(field.SigData)
	if err != nil || len(sigData) < 8 {
		return nil, apperrors.NewValidationError("malformed sig_data")
	}
	signature, err := base64.URLEncoding.DecodeString(field.Signature)
	if err != nil {
		return nil, apperrors.NewValidationError("malformed signature")
	}
	ok, err := envelope.VerifySignedMessage(field.Signer, sigData, signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewUnauthorizedError("connection signature does not verify")
	}
	return sigData[8:], nil
}

// handleConnRequest runs the inviter side of the handshake: persist the
// remote identity, bind the session and answer with the mediator's
// signed connection block.
func (s *Session) handleConnRequest(ctx context.Context, msg *Message) error {
	var request connRequest
	if err := msg.Decode(&request); err != nil {
		return apperrors.NewValidationError("malformed connection request")
	}
	if request.Connection.DID == "" {
		return s.reply(ctx, msg, NewProblemReport(msg, "request_processing_error", "connection request has no DID"))
	}

	var doc DIDDoc
	if err := json.Unmarshal(request.Connection.DIDDoc, &doc); err != nil {
		return s.reply(ctx, msg, NewProblemReport(msg, "request_processing_error", "connection request has no DIDDoc"))
	}
	theirVerkey := doc.FirstVerkey()
	if theirVerkey == "" {
		return s.reply(ctx, msg, NewProblemReport(msg, "request_processing_error", "DIDDoc carries no public key"))
	}

	// The device's Firebase token rides along as a DIDDoc service, and
	// a queue-transport service endpoint asks for deliveries over this
	// very session.
	var fcmDeviceID string
	usesQueueTransport := false
	for _, service := range doc.Service {
		if service.Type == ServiceTypeFCM && fcmDeviceID == "" {
			fcmDeviceID = service.ServiceEndpoint
		}
		if service.ServiceEndpoint == QueueTransportAddr {
			usesQueueTransport = true
		}
	}

	agentUpd := registry.AgentUpdate{Metadata: datatypes.JSON(request.Connection.DIDDoc)}
	if fcmDeviceID != "" {
		agentUpd.FCMDeviceID = &fcmDeviceID
	}
	theirDID := request.Connection.DID
	if err := s.svc.Registry.EnsureAgent(ctx, theirDID, theirVerkey, agentUpd); err != nil {
		return err
	}
	uid := EndpointUID(theirDID)
	agent, err := s.svc.Registry.LoadAgent(ctx, theirDID)
	if err != nil {
		return err
	}
	var agentID *string
	if agent != nil {
		agentID = &agent.ID
	}
	endpointUpd := registry.EndpointUpdate{
		Verkey:  &theirVerkey,
		AgentID: agentID,
	}
	if fcmDeviceID != "" {
		endpointUpd.FCMDeviceID = &fcmDeviceID
	}
	if err := s.svc.Registry.EnsureEndpoint(ctx, uid, endpointUpd); err != nil {
		return err
	}

	metadata, _ := json.Marshal(map[string]any{"their_diddoc": json.RawMessage(request.Connection.DIDDoc)})
	if err := s.svc.Pairwises.Ensure(ctx, &registry.Pairwise{
		TheirDID:    theirDID,
		TheirVerkey: theirVerkey,
		MyDID:       s.svc.Keys.DID(),
		MyVerkey:    s.svc.Keys.VerkeyB58,
		Metadata:    metadata,
		TheirLabel:  request.Label,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.theirDID = theirDID
	s.theirVerkey = theirVerkey
	s.endpointUID = uid
	s.mu.Unlock()

	if usesQueueTransport {
		endpoint, err := s.svc.Registry.LoadEndpoint(ctx, uid)
		if err != nil {
			return err
		}
		if err := s.startConsumers(ctx, endpoint); err != nil {
			return err
		}
	}

	myDoc := BuildDIDDoc(s.svc.Keys, s.svc.PublicURL)
	connection, err := json.Marshal(map[string]any{
		"DID":    s.svc.Keys.DID(),
		"DIDDoc": myDoc,
	})
	if err != nil {
		return fmt.Errorf("marshal connection block: %w", err)
	}

	response := connResponse{
		base:          newBase(TypeConnResponse),
		thread:        thread{Thread: &threadDecorator{Thid: msg.ThreadID()}},
		ConnectionSig: signField(connection, s.svc.Keys),
	}
	return s.send(ctx, response)
}

// Invitation is the out-of-band connection offer served over HTTP.
type Invitation struct {
	ID              string   `json:"@id"`
	Type            string   `json:"@type"`
	Label           string   `json:"label"`
	RecipientKeys   []string `json:"recipientKeys"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
	RoutingKeys     []string `json:"routingKeys"`
}

// NewInvitation builds the mediator's standing connection invitation.
func NewInvitation(keys *envelope.KeyPair, label, publicURL string) Invitation {
	return Invitation{
		ID:              NewID(),
		Type:            TypeInvitation,
		Label:           label,
		RecipientKeys:   []string{keys.VerkeyB58},
		ServiceEndpoint: publicURL,
		RoutingKeys:     []string{},
	}
}
