package ezo

import (
	"errors"

	"github.com/ezoterikus/ezo-go/internal/envelope"
	"github.com/ezoterikus/ezo-go/internal/group"
	"github.com/ezoterikus/ezo-go/internal/kdf"
	"github.com/ezoterikus/ezo-go/internal/profile"
	"github.com/ezoterikus/ezo-go/internal/ratchet"
	"github.com/ezoterikus/ezo-go/internal/relay"
	"github.com/ezoterikus/ezo-go/internal/sealedbox"
	"github.com/ezoterikus/ezo-go/internal/vault"
	"github.com/ezoterikus/ezo-go/internal/wire"
)

var friendlyErrors = []struct {
	err  error
	text string
}{
	{vault.ErrWrongPassword, "wrong password"},
	{vault.ErrCorrupt, "archive corrupted"},
	{vault.ErrNotFound, "profile not found"},
	{vault.ErrExists, "profile already exists"},
	{vault.ErrClosed, "profile is locked"},
	{vault.ErrInvalidHandle, "invalid profile name"},
	{vault.ErrEmptyPassword, "password must not be empty"},
	{vault.ErrAlreadyOpen, "profile is already open"},
	{kdf.ErrResourceExhausted, "not enough memory to unlock this profile"},
	{kdf.ErrUnavailable, "key derivation unavailable on this device"},
	{ratchet.ErrUntrustedBundle, "contact card signature is invalid"},
	{ratchet.ErrUntrustedIdentity, "contact's identity key has changed"},
	{ratchet.ErrSessionMissing, "no secure session with this contact"},
	{ratchet.ErrPreKeyNotFound, "message used an expired key"},
	{ratchet.ErrTooManySkipped, "too many messages missing"},
	{ratchet.ErrDecryptionFailed, "message could not be decrypted"},
	{ratchet.ErrInvalidMessage, "message could not be decrypted"},
	{sealedbox.ErrDecryptionFailed, "message could not be decrypted"},
	{envelope.ErrDecryptionFailed, "message could not be decrypted"},
	{group.ErrInvalidKey, "group key is invalid"},
	{wire.ErrBadCard, "invalid friend card"},
	{wire.ErrMalformed, "malformed message"},
	{profile.ErrNotFound, "not found"},
	{profile.ErrInvalidID, "invalid name"},
	{ErrNoRelay, "no relay configured"},
	{ErrSelf, "that is your own card"},
	{ErrFileTooLarge, "file too large"},
	{relay.ErrRejected, "relay rejected the request"},
}

// FriendlyError returns a short user-facing description of err. Errors
// outside the known categories are reported as unexpected.
func FriendlyError(err error) string {
	if err == nil {
		return ""
	}
	for _, fe := range friendlyErrors {
		if errors.Is(err, fe.err) {
			return fe.text
		}
	}
	return "unexpected error"
}
