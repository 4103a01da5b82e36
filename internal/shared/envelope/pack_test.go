package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	kp, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	return kp
}

func TestKeyPairFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	first, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	second, err := KeyPairFromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, first.VerkeyB58, second.VerkeyB58)
	assert.Equal(t, first.DID(), second.DID())
	assert.NotEmpty(t, first.DID())
}

func TestKeyPairFromSeedBadLength(t *testing.T) {
	_, err := KeyPairFromSeed([]byte("short"))
	assert.Error(t, err)
}

func TestPackUnpackAuthcrypt(t *testing.T) {
	sender := newTestKeyPair(t)
	recipient := newTestKeyPair(t)

	message := []byte(`{"@type":"https://didcomm.org/trust_ping/1.0/ping","@id":"1"}`)
	packed, err := Pack(message, []string{recipient.VerkeyB58}, sender)
	require.NoError(t, err)
	assert.True(t, IsEnvelope(packed))

	got, senderVK, recipVK, err := Unpack(packed, recipient)
	require.NoError(t, err)
	assert.Equal(t, message, got)
	assert.Equal(t, sender.VerkeyB58, senderVK)
	assert.Equal(t, recipient.VerkeyB58, recipVK)
}

func TestPackUnpackAnoncrypt(t *testing.T) {
	recipient := newTestKeyPair(t)

	message := []byte(`{"k":"v"}`)
	packed, err := Pack(message, []string{recipient.VerkeyB58}, nil)
	require.NoError(t, err)

	got, senderVK, recipVK, err := Unpack(packed, recipient)
	require.NoError(t, err)
	assert.Equal(t, message, got)
	assert.Empty(t, senderVK)
	assert.Equal(t, recipient.VerkeyB58, recipVK)
}

func TestPackMultiRecipient(t *testing.T) {
	sender := newTestKeyPair(t)
	first := newTestKeyPair(t)
	second := newTestKeyPair(t)

	message := []byte(`{"hello":"both"}`)
	packed, err := Pack(message, []string{first.VerkeyB58, second.VerkeyB58}, sender)
	require.NoError(t, err)

	kids, err := RecipientKids(packed)
	require.NoError(t, err)
	assert.Equal(t, []string{first.VerkeyB58, second.VerkeyB58}, kids)

	for _, kp := range []*KeyPair{first, second} {
		got, _, _, err := Unpack(packed, kp)
		require.NoError(t, err)
		assert.Equal(t, message, got)
	}
}

func TestUnpackWrongRecipient(t *testing.T) {
	sender := newTestKeyPair(t)
	recipient := newTestKeyPair(t)
	stranger := newTestKeyPair(t)

	packed, err := Pack([]byte(`{}`), []string{recipient.VerkeyB58}, sender)
	require.NoError(t, err)

	_, _, _, err = Unpack(packed, stranger)
	assert.Error(t, err)
}

func TestUnpackTamperedCiphertext(t *testing.T) {
	sender := newTestKeyPair(t)
	recipient := newTestKeyPair(t)

	packed, err := Pack([]byte(`{"a":1}`), []string{recipient.VerkeyB58}, sender)
	require.NoError(t, err)

	var wire map[string]string
	require.NoError(t, json.Unmarshal(packed, &wire))
	wire["tag"] = wire["iv"]
	tampered, err := json.Marshal(wire)
	require.NoError(t, err)

	_, _, _, err = Unpack(tampered, recipient)
	assert.Error(t, err)
}

func TestIsEnvelope(t *testing.T) {
	assert.False(t, IsEnvelope([]byte(`{"k":"v"}`)))
	assert.False(t, IsEnvelope([]byte(`not json`)))
	assert.True(t, IsEnvelope([]byte(`{"protected":"abc"}`)))
}

func TestSignVerify(t *testing.T) {
	kp := newTestKeyPair(t)
	msg := []byte("payload under signature")

	sig := SignMessage(msg, kp)
	ok, err := VerifySignedMessage(kp.VerkeyB58, msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignedMessage(kp.VerkeyB58, []byte("other"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}
