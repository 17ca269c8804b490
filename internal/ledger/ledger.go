// Package ledger is the client side of the ledger gateway: the three phases
// of an invoke (endorse, broadcast, commit status) plus read-only queries.
package ledger

import (
	"context"
	"encoding/json"
)

// StatusSuccess is the status code the ledger reports for a successful
// endorsement, broadcast or committed transaction.
const StatusSuccess = 200

// DefaultLanguage is the chaincode language used when none is configured.
const DefaultLanguage = "golang"

// Identity is the requestor on whose behalf transactions are signed.
type Identity struct {
	Org  string `json:"org"`
	User string `json:"user"`
}

// Proposal is a chaincode invocation sent to the endorsing peers.
type Proposal struct {
	Requestor Identity `json:"requestor"`
	Channel   string   `json:"channel"`
	Peers     []string `json:"peers"`
	Chaincode string   `json:"chaincode"`
	Version   string   `json:"version"`
	Language  string   `json:"language"`
	Function  string   `json:"function"`
	Args      []string `json:"args"`
}

// Endorsement is the endorsed proposal response.
type Endorsement struct {
	TxID    string
	Status  int
	Message string
	Payload []byte
}

// BroadcastAck is the orderer's acceptance of an envelope.
type BroadcastAck struct {
	Status  int
	Message string
}

// TxStatus is the committed status of a transaction as seen by a peer.
type TxStatus struct {
	Status  int
	Message string
}

// Client is the interface to the ledger gateway.
type Client interface {
	// Endorse sends the proposal to the peers and blocks until the endorsement
	// responses are collected.
	Endorse(ctx context.Context, p Proposal) (*Endorsement, error)

	// Broadcast submits the endorsed envelope for ordering. It returns once the
	// orderer accepted it, not once it is committed.
	Broadcast(ctx context.Context, channel string, e *Endorsement) (*BroadcastAck, error)

	// QueryTransaction returns the committed status of a transaction.
	QueryTransaction(ctx context.Context, requestor Identity, channel string, peers []string, txID string) (*TxStatus, error)

	// Query evaluates a read-only chaincode function and returns its JSON result.
	Query(ctx context.Context, p Proposal) (json.RawMessage, error)
}
