package peersync

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kw-pass/kwpass/internal/account"
)

// AccountPayload is the wire form of PathAccount. Timestamp is Unix
// milliseconds and makes every push a distinct data item.
type AccountPayload struct {
	RID       string `cbor:"rid"`
	Password  string `cbor:"password"`
	Tel       string `cbor:"tel"`
	Timestamp int64  `cbor:"timestamp"`
}

// Credential converts the payload back into an account.
func (p AccountPayload) Credential() account.Credential {
	return account.Credential{Identifier: p.RID, Secret: p.Password, ContactNumber: p.Tel}
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
}

// EncodeAccount serializes acct with a timestamp.
func EncodeAccount(acct account.Credential, timestampMillis int64) ([]byte, error) {
	return encMode.Marshal(AccountPayload{
		RID:       acct.Identifier,
		Password:  acct.Secret,
		Tel:       acct.ContactNumber,
		Timestamp: timestampMillis,
	})
}

// DecodeAccount parses a PathAccount payload.
func DecodeAccount(data []byte) (AccountPayload, error) {
	var p AccountPayload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return AccountPayload{}, fmt.Errorf("decode account payload: %w", err)
	}
	return p, nil
}
