package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyConsumer = "0x" + strings.Repeat("11", 32)
	testKeyProvider = "0x" + strings.Repeat("22", 32)
)

func testIdentity(t *testing.T, key string) Identity {
	t.Helper()
	identity, err := IdentityFromKey(key)
	require.NoError(t, err)
	return identity
}

func TestSignAndRecoverRoundTrip(t *testing.T) {
	identity := testIdentity(t, testKeyConsumer)
	digest := KeccakHex([]byte("payload"))

	sig, err := SignHashEIP191(testKeyConsumer, digest)
	require.NoError(t, err)
	assert.Len(t, sig, 132)

	recovered, err := RecoverSignerEIP191(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, identity.Address, recovered)
	assert.True(t, VerifySignatureEIP191(digest, sig, identity.Address))
	assert.True(t, VerifySignatureEIP191(digest, sig, strings.ToLower(identity.Address)))
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	digest := KeccakHex([]byte("payload"))
	sig, err := SignHashEIP191(testKeyConsumer, digest)
	require.NoError(t, err)

	other := testIdentity(t, testKeyProvider)
	assert.False(t, VerifySignatureEIP191(digest, sig, other.Address))
	assert.False(t, VerifySignatureEIP191(KeccakHex([]byte("tampered")), sig, testIdentity(t, testKeyConsumer).Address))
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	digest := KeccakHex([]byte("payload"))
	_, err := RecoverSignerEIP191(digest, "0x0102")
	assert.Error(t, err)
	_, err = RecoverSignerEIP191(digest, "not-hex")
	assert.Error(t, err)
}

func TestDIDConversion(t *testing.T) {
	identity := testIdentity(t, testKeyConsumer)

	did := AddressToDID(identity.Address)
	assert.True(t, strings.HasPrefix(did, "did:8004:0x"))
	assert.Equal(t, did, AddressToDID(did))

	back, err := DIDToAddress(did)
	require.NoError(t, err)
	assert.Equal(t, identity.Address, back)

	// Lowercase input normalizes to the checksummed form.
	lower, err := DIDToAddress("did:8004:" + strings.ToLower(identity.Address))
	require.NoError(t, err)
	assert.Equal(t, identity.Address, lower)
}

func TestDIDToAddressRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"0x1111111111111111111111111111111111111111",
		"did:8004:1111111111111111111111111111111111111111",
		"did:8004:0x1111",
		"did:8004:0xzz11111111111111111111111111111111111111",
	} {
		_, err := DIDToAddress(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestAddressFromKeyRejectsInvalidKey(t *testing.T) {
	_, err := AddressFromKey("0x01")
	assert.Error(t, err)
	_, err = AddressFromKey("")
	assert.Error(t, err)
}
