// Package proto defines the JSON frame types spoken over the
// WebSocket transport. All frames are UTF-8 JSON documents; the frame
// size cap applies to the encoded form.
package proto

import (
	"encoding/json"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/sealbase/internal/model"
)

// MaxFrameSize caps one frame, framing included.
const MaxFrameSize = 400 * 1024

// Routes for server-initiated frames.
const (
	RouteConnection      = "Connection"
	RoutePing            = "Ping"
	RouteTransactionLog  = "TransactionLog"
	RouteBundlePublished = "BundlePublished"
	RouteSessionRevoked  = "SessionRevoked"
)

// Actions accepted from clients.
const (
	ActionValidateKey      = "ValidateKey"
	ActionSignOut          = "SignOut"
	ActionUpdateUser       = "UpdateUser"
	ActionDeleteUser       = "DeleteUser"
	ActionOpenDatabase     = "OpenDatabase"
	ActionInsert           = "Insert"
	ActionUpdate           = "Update"
	ActionDelete           = "Delete"
	ActionBatchTransaction = "BatchTransaction"
	ActionBundle           = "Bundle"
	ActionGetPasswordSalts = "GetPasswordSalts"
	ActionPong             = "Pong"
)

// Request is one inbound client frame.
type Request struct {
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params"`
}

// Response carries an HTTP-convention status and optional payload.
type Response struct {
	Status int `json:"status"`
	Data   any `json:"data,omitempty"`
}

// ServerMessage is one outbound frame: a reply when RequestID is set,
// an unsolicited frame otherwise.
type ServerMessage struct {
	RequestID string    `json:"requestId,omitempty"`
	Route     string    `json:"route"`
	Response  *Response `json:"response,omitempty"`

	// Connection handshake payload
	KeySalts                   *model.KeySalts `json:"keySalts,omitempty"`
	EncryptedValidationMessage []byte          `json:"encryptedValidationMessage,omitempty"`

	// TransactionLog / BundlePublished payload
	DBID         string              `json:"dbId,omitempty"`
	Transactions []model.Transaction `json:"transactions,omitempty"`
	BundleSeqNo  int64               `json:"bundleSeqNo,omitempty"`
	Bundle       model.EncryptedBlob `json:"bundle,omitempty"`
}

// Encode marshals a server message to its wire form.
func Encode(m *ServerMessage) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// all payload types marshal cleanly; nothing recoverable here
		panic(err)
	}
	return b
}

// Reply builds a response frame for a request id routed back under the
// action name.
func Reply(requestID, route string, status int, data any) []byte {
	return Encode(&ServerMessage{
		RequestID: requestID,
		Route:     route,
		Response:  &Response{Status: status, Data: data},
	})
}

// ConnectionFrame is the application-handshake control frame.
func ConnectionFrame(salts model.KeySalts, sealed []byte) []byte {
	return Encode(&ServerMessage{
		Route:                      RouteConnection,
		KeySalts:                   &salts,
		EncryptedValidationMessage: sealed,
	})
}

// PingFrame is the liveness probe.
func PingFrame() []byte { return Encode(&ServerMessage{Route: RoutePing}) }

// SessionRevokedFrame notifies other devices after a credential rotation.
func SessionRevokedFrame() []byte { return Encode(&ServerMessage{Route: RouteSessionRevoked}) }

// TransactionLogFrame carries ordered deltas for one database.
func TransactionLogFrame(dbID uuid.UUID, txns []model.Transaction) []byte {
	return Encode(&ServerMessage{
		Route:        RouteTransactionLog,
		DBID:         dbID.String(),
		Transactions: txns,
	})
}

// BundlePublishedFrame tells subscribers they may drop replayed history.
func BundlePublishedFrame(dbID uuid.UUID, seqNo int64) []byte {
	return Encode(&ServerMessage{
		Route:       RouteBundlePublished,
		DBID:        dbID.String(),
		BundleSeqNo: seqNo,
	})
}

// RetryDelayMillis is the pacing hint carried on 429 responses.
const RetryDelayMillis = 1000

// TooManyRequestsData is the data payload for 429 responses.
type TooManyRequestsData struct {
	RetryDelay int `json:"retryDelay"`
}
