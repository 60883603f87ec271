// Package model defines domain entities used by services, the log
// engine, and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// EncryptedBlob is an opaque ciphertext produced on the client side.
// The server never holds the key material needed to open it.
type EncryptedBlob []byte

// KeySalts are the three per-user salts handed back to clients so they
// can re-derive their key hierarchy from the seed.
type KeySalts struct {
	EncryptionKeySalt []byte `json:"encryptionKeySalt"`
	DHKeySalt         []byte `json:"dhKeySalt"`
	HMACKeySalt       []byte `json:"hmacKeySalt"`
}

// PasswordSalts are returned before sign-in so the client can derive
// the password token locally.
type PasswordSalts struct {
	PasswordSalt      []byte `json:"passwordSalt"`
	PasswordTokenSalt []byte `json:"passwordTokenSalt"`
}

// User is an account within one application tenant. All key material
// is client-derived and stored opaquely.
type User struct {
	ID            uuid.UUID // PK
	AppID         string    // owning application tenant
	Username      string    // unique per app (case-folded)
	PublicKey     []byte    // client DH public key
	KeySalts      KeySalts
	PasswordSalts PasswordSalts
	PasswordToken []byte        // argon2id(passwordTokenInput, PasswordTokenSalt)
	SeedBackup    EncryptedBlob // password-encrypted seed backup
	Email         string
	Profile       map[string]string
	CreatedAt     time.Time
	DeletedAt     *time.Time // soft delete marker
}

// RememberMe classifies how long a session credential is meant to live
// on the client.
type RememberMe string

const (
	RememberNone    RememberMe = "none"
	RememberSession RememberMe = "session"
	RememberLocal   RememberMe = "local"
)

// Session binds a user to one signed-in context.
type Session struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	RememberMe    RememberMe
	CreatedAt     time.Time
	InvalidatedAt *time.Time
}

// Valid reports whether the session is still usable.
func (s *Session) Valid() bool { return s.InvalidatedAt == nil }

// Database is a per-user named container of encrypted records. The
// server only ever sees a client-computed hash of the name.
type Database struct {
	ID          uuid.UUID // client-generated stable id
	OwnerUserID uuid.UUID
	NameHash    []byte        // opaque digest of the plaintext name
	Params      EncryptedBlob // encrypted metadata from creation
	BundleSeqNo int64         // 0 when no bundle exists
	CreatedAt   time.Time
}

// Command is the kind of a single transaction-log record.
type Command string

const (
	CmdInsert Command = "Insert"
	CmdUpdate Command = "Update"
	CmdDelete Command = "Delete"
)

// Transaction is one record in a database's append-only log. SeqNo is
// dense and strictly increasing per database.
type Transaction struct {
	DBID      uuid.UUID     `json:"-"`
	SeqNo     int64         `json:"seqNo"`
	Command   Command       `json:"command"`
	ItemKey   []byte        `json:"itemKey"`
	Item      EncryptedBlob `json:"encryptedItem,omitempty"`
	CreatedBy uuid.UUID     `json:"createdBy"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Bundle is a client-produced snapshot of a database at SeqNo.
// Records at or below SeqNo are superseded by the blob.
type Bundle struct {
	DBID  uuid.UUID
	SeqNo int64
	Blob  EncryptedBlob
}
