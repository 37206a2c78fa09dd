package crypt

// MaxTokenSlots bounds the number of unlock mechanisms a single encrypted
// device can carry (§3 "a free set of up to N token slots").
const MaxTokenSlots = 8

// Mechanism is one way to recover the device's master key. Exactly one of
// Keyring or Clevis is set.
type Mechanism struct {
	Keyring *KeyringMechanism
	Clevis  *ClevisMechanism
}

// KeyringMechanism unlocks using a passphrase held in the kernel keyring
// under the given description.
type KeyringMechanism struct {
	KeyDescription string
}

// ClevisMechanism unlocks using a network-bound secret (Tang) or a
// TPM-bound secret, both expressed as a Clevis pin plus its JSON config, the
// same encoding LUKS2 stores in a Clevis token.
type ClevisMechanism struct {
	Pin    string
	Config string // JSON
}

func (m Mechanism) String() string {
	switch {
	case m.Keyring != nil:
		return "keyring(" + m.Keyring.KeyDescription + ")"
	case m.Clevis != nil:
		return "clevis(" + m.Clevis.Pin + ")"
	default:
		return "none"
	}
}

// slot is one populated or empty token slot on the device.
type slot struct {
	occupied  bool
	mechanism Mechanism
}
