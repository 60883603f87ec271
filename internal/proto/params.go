package proto

import "github.com/and161185/sealbase/internal/model"

// Action params are variant-specific records; the free-form JSON stops
// at this boundary.

// ValidateKeyParams carries the decrypted validation message.
type ValidateKeyParams struct {
	ValidationMessage []byte `json:"validationMessage"`
}

// OpenDatabaseParams opens (and lazily creates) a database
// subscription. NewDatabaseParams is present only on first creation;
// ReopenAtSeqNo only when resuming a previous subscription.
type OpenDatabaseParams struct {
	DBID              string              `json:"dbId"`
	NameHash          []byte              `json:"dbNameHash"`
	NewDatabaseParams model.EncryptedBlob `json:"newDatabaseParams,omitempty"`
	ReopenAtSeqNo     *int64              `json:"reopenAtSeqNo,omitempty"`
}

// ItemParams is shared by Insert, Update, and Delete.
type ItemParams struct {
	DBID          string              `json:"dbId"`
	ItemKey       []byte              `json:"itemKey"`
	EncryptedItem model.EncryptedBlob `json:"encryptedItem,omitempty"`
}

// BatchOp is one command inside a BatchTransaction.
type BatchOp struct {
	Command       model.Command       `json:"command"`
	ItemKey       []byte              `json:"itemKey"`
	EncryptedItem model.EncryptedBlob `json:"encryptedItem,omitempty"`
}

// BatchTransactionParams appends several commands atomically.
type BatchTransactionParams struct {
	DBID       string    `json:"dbId"`
	Operations []BatchOp `json:"operations"`
}

// BundleParams publishes a snapshot of a database at SeqNo.
type BundleParams struct {
	DBID   string              `json:"dbId"`
	SeqNo  int64               `json:"seqNo"`
	Bundle model.EncryptedBlob `json:"bundle"`
}

// UpdateUserParams mutates the authenticated user. Zero-valued fields
// are left unchanged; a password rotation must carry all three
// password artifacts.
type UpdateUserParams struct {
	Username      string               `json:"username,omitempty"`
	Email         string               `json:"email,omitempty"`
	Profile       map[string]string    `json:"profile,omitempty"`
	PasswordToken []byte               `json:"passwordToken,omitempty"`
	PasswordSalts *model.PasswordSalts `json:"passwordSalts,omitempty"`
	SeedBackup    model.EncryptedBlob  `json:"passwordBasedBackup,omitempty"`
}
