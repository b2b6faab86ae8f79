package keys

// Key-record id conventions. These are part of the persisted layout.

func PINKeyID(uid string) string      { return "mk_pin_" + uid }
func FIDOWrapID(uid string) string    { return "mk_fido_" + uid }
func RecoveryKeyID(uid string) string { return "mk_recovery_" + uid }
func DEKKeyID(uid string) string      { return "dek_" + uid }

// FIDOCredentialID names a stored authenticator credential row. credID
// is the credential id in base64url as presented by the client.
func FIDOCredentialID(uid, credID string) string { return "fido2_" + uid + "_" + credID }

// FIDOCredentialPrefix is the id prefix of all credentials of one user.
func FIDOCredentialPrefix(uid string) string { return "fido2_" + uid + "_" }
