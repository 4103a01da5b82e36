// Package registry defines the persistent entities the mediator routes by:
// remote agents, their delivery endpoints, routing keys and pairwise records.
package registry

import "gorm.io/datatypes"

// Agent is a remote recipient identity, created or updated when a
// connection handshake completes. Verkeys are globally unique: an agent
// claiming an already-known verkey evicts the previous holder.
type Agent struct {
	ID          string
	DID         string
	Verkey      string
	Metadata    datatypes.JSON
	FCMDeviceID string
}

// Endpoint is the mediator-side delivery slot for one recipient. UID is the
// stable SHA-256 of the recipient DID, so the same recipient reconnecting
// after a restart lands on the same endpoint.
type Endpoint struct {
	UID                  string
	Verkey               string
	AgentID              string
	ForwardStreamAddress string
	FCMDeviceID          string
}

// RoutingKey is one entry of an endpoint's ordered routing chain. A forward
// message addressed to any of these keys resolves to the endpoint.
type RoutingKey struct {
	ID          uint
	EndpointUID string
	Key         string
}

// Pairwise is an established P2P relation between the mediator and a
// remote agent. Metadata carries the full DIDDoc exchanged on handshake.
type Pairwise struct {
	TheirDID    string
	TheirVerkey string
	MyDID       string
	MyVerkey    string
	Metadata    datatypes.JSON
	TheirLabel  string
}

// User is an admin account.
type User struct {
	ID             string
	Username       string
	HashedPassword string
	IsActive       bool
}

// Backup is an opaque binary blob keyed by description, with a JSON
// context describing its origin ({path, is_dir} for filesystem archives).
type Backup struct {
	Description string
	Binary      []byte
	Context     datatypes.JSON
}
