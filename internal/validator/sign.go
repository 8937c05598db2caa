package validator

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/sakif/relaynet/internal/model"
)

// Sign seals msg and signs its hash bytes with priv, setting Signature and SigningKey.
func Sign(msg *model.Message, priv ed25519.PrivateKey) {
	msg.Seal()
	digest, _ := hex.DecodeString(strings.TrimPrefix(msg.Hash, "0x"))
	msg.Signature = hex.EncodeToString(ed25519.Sign(priv, digest))
	msg.SigningKey = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}
