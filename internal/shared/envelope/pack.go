package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
)

const (
	encAlgorithm = "xchacha20poly1305_ietf"
	typJWM       = "JWM/1.0"
	algAuthcrypt = "Authcrypt"
	algAnoncrypt = "Anoncrypt"
)

var b64 = base64.URLEncoding

type protectedHeader struct {
	Enc        string      `json:"enc"`
	Typ        string      `json:"typ"`
	Alg        string      `json:"alg"`
	Recipients []recipient `json:"recipients"`
}

type recipient struct {
	EncryptedKey string          `json:"encrypted_key"`
	Header       recipientHeader `json:"header"`
}

type recipientHeader struct {
	Kid    string `json:"kid"`
	IV     string `json:"iv,omitempty"`
	Sender string `json:"sender,omitempty"`
}

type wireEnvelope struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// IsEnvelope reports whether payload looks like a packed wire envelope
// (a JSON object carrying a "protected" header).
func IsEnvelope(payload []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	_, ok := probe["protected"]
	return ok
}

// RecipientKids parses the protected header of a packed envelope and
// returns the recipient verkeys (base58) without decrypting anything.
func RecipientKids(payload []byte) ([]string, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	rawProtected, err := b64.DecodeString(wire.Protected)
	if err != nil {
		return nil, fmt.Errorf("decode protected header: %w", err)
	}
	var header protectedHeader
	if err := json.Unmarshal(rawProtected, &header); err != nil {
		return nil, fmt.Errorf("parse protected header: %w", err)
	}
	kids := make([]string, 0, len(header.Recipients))
	for _, r := range header.Recipients {
		kids = append(kids, r.Header.Kid)
	}
	return kids, nil
}

// Pack encrypts message to the given base58 verkeys. When from is non-nil
// the envelope is Authcrypt (the sender identity travels sealed inside each
// recipient block); otherwise Anoncrypt.
func Pack(message []byte, toVerkeysB58 []string, from *KeyPair) ([]byte, error) {
	if len(toVerkeysB58) == 0 {
		return nil, fmt.Errorf("pack: no recipients")
	}

	cek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(cek); err != nil {
		return nil, fmt.Errorf("generate cek: %w", err)
	}

	alg := algAnoncrypt
	if from != nil {
		alg = algAuthcrypt
	}

	recipients := make([]recipient, 0, len(toVerkeysB58))
	for _, vkB58 := range toVerkeysB58 {
		vk, err := VerkeyFromB58(vkB58)
		if err != nil {
			return nil, err
		}
		theirCurvePub, err := publicEdToCurve(vk)
		if err != nil {
			return nil, err
		}

		var rec recipient
		rec.Header.Kid = vkB58

		if from != nil {
			var nonce [24]byte
			if _, err := rand.Read(nonce[:]); err != nil {
				return nil, fmt.Errorf("generate box nonce: %w", err)
			}
			myCurvePriv := privateEdToCurve(from.Sigkey)
			encryptedKey := box.Seal(nil, cek, &nonce, theirCurvePub, myCurvePriv)
			sealedSender, err := box.SealAnonymous(nil, []byte(from.VerkeyB58), theirCurvePub, rand.Reader)
			if err != nil {
				return nil, fmt.Errorf("seal sender: %w", err)
			}
			rec.EncryptedKey = b64.EncodeToString(encryptedKey)
			rec.Header.IV = b64.EncodeToString(nonce[:])
			rec.Header.Sender = b64.EncodeToString(sealedSender)
		} else {
			sealedKey, err := box.SealAnonymous(nil, cek, theirCurvePub, rand.Reader)
			if err != nil {
				return nil, fmt.Errorf("seal cek: %w", err)
			}
			rec.EncryptedKey = b64.EncodeToString(sealedKey)
		}
		recipients = append(recipients, rec)
	}

	rawProtected, err := json.Marshal(protectedHeader{
		Enc:        encAlgorithm,
		Typ:        typJWM,
		Alg:        alg,
		Recipients: recipients,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal protected header: %w", err)
	}
	protectedB64 := b64.EncodeToString(rawProtected)

	aead, err := chacha20poly1305.New(cek)
	if err != nil {
		return nil, fmt.Errorf("build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate aead nonce: %w", err)
	}
	// AAD is the base64 protected header string itself
	sealed := aead.Seal(nil, nonce, message, []byte(protectedB64))
	ciphertext := sealed[:len(sealed)-chacha20poly1305.Overhead]
	tag := sealed[len(sealed)-chacha20poly1305.Overhead:]

	return json.Marshal(wireEnvelope{
		Protected:  protectedB64,
		IV:         b64.EncodeToString(nonce),
		Ciphertext: b64.EncodeToString(ciphertext),
		Tag:        b64.EncodeToString(tag),
	})
}

// Unpack decrypts a packed envelope with my keypair. It returns the inner
// message, the sender verkey (empty for Anoncrypt) and the recipient verkey
// the envelope was opened with.
func Unpack(payload []byte, my *KeyPair) (message []byte, senderVK string, recipVK string, err error) {
	var wire wireEnvelope
	if err = json.Unmarshal(payload, &wire); err != nil {
		return nil, "", "", fmt.Errorf("%w: parse envelope: %v", apperrors.ErrDecryptFailure, err)
	}
	rawProtected, err := b64.DecodeString(wire.Protected)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: decode protected header: %v", apperrors.ErrDecryptFailure, err)
	}
	var header protectedHeader
	if err = json.Unmarshal(rawProtected, &header); err != nil {
		return nil, "", "", fmt.Errorf("%w: parse protected header: %v", apperrors.ErrDecryptFailure, err)
	}

	var mine *recipient
	for i := range header.Recipients {
		if header.Recipients[i].Header.Kid == my.VerkeyB58 {
			mine = &header.Recipients[i]
			break
		}
	}
	if mine == nil {
		return nil, "", "", fmt.Errorf("%w: envelope is not addressed to %s", apperrors.ErrDecryptFailure, my.VerkeyB58)
	}

	myCurvePub, err := publicEdToCurve(my.Verkey)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", apperrors.ErrDecryptFailure, err)
	}
	myCurvePriv := privateEdToCurve(my.Sigkey)

	encryptedKey, err := b64.DecodeString(mine.EncryptedKey)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: decode encrypted key: %v", apperrors.ErrDecryptFailure, err)
	}

	var cek []byte
	if mine.Header.Sender != "" {
		sealedSender, err := b64.DecodeString(mine.Header.Sender)
		if err != nil {
			return nil, "", "", fmt.Errorf("%w: decode sender: %v", apperrors.ErrDecryptFailure, err)
		}
		rawSender, ok := box.OpenAnonymous(nil, sealedSender, myCurvePub, myCurvePriv)
		if !ok {
			return nil, "", "", fmt.Errorf("%w: open sealed sender", apperrors.ErrDecryptFailure)
		}
		senderVK = string(rawSender)
		senderEd, err := VerkeyFromB58(senderVK)
		if err != nil {
			return nil, "", "", fmt.Errorf("%w: sender verkey: %v", apperrors.ErrDecryptFailure, err)
		}
		senderCurvePub, err := publicEdToCurve(senderEd)
		if err != nil {
			return nil, "", "", fmt.Errorf("%w: %v", apperrors.ErrDecryptFailure, err)
		}
		rawNonce, err := b64.DecodeString(mine.Header.IV)
		if err != nil || len(rawNonce) != 24 {
			return nil, "", "", fmt.Errorf("%w: recipient iv", apperrors.ErrDecryptFailure)
		}
		var nonce [24]byte
		copy(nonce[:], rawNonce)
		cek, ok = box.Open(nil, encryptedKey, &nonce, senderCurvePub, myCurvePriv)
		if !ok {
			return nil, "", "", fmt.Errorf("%w: open cek box", apperrors.ErrDecryptFailure)
		}
	} else {
		var ok bool
		cek, ok = box.OpenAnonymous(nil, encryptedKey, myCurvePub, myCurvePriv)
		if !ok {
			return nil, "", "", fmt.Errorf("%w: open sealed cek", apperrors.ErrDecryptFailure)
		}
	}

	aead, err := chacha20poly1305.New(cek)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: build aead: %v", apperrors.ErrDecryptFailure, err)
	}
	nonce, err := b64.DecodeString(wire.IV)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, "", "", fmt.Errorf("%w: payload iv", apperrors.ErrDecryptFailure)
	}
	ciphertext, err := b64.DecodeString(wire.Ciphertext)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: decode ciphertext: %v", apperrors.ErrDecryptFailure, err)
	}
	tag, err := b64.DecodeString(wire.Tag)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: decode tag: %v", apperrors.ErrDecryptFailure, err)
	}

	message, err = aead.Open(nil, nonce, append(ciphertext, tag...), []byte(wire.Protected))
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: open payload: %v", apperrors.ErrDecryptFailure, err)
	}
	return message, senderVK, mine.Header.Kid, nil
}
