package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	addr := key.PubKey().Address()
	require.Equal(t, StakePrefix, addr.Prefix())

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.True(t, decoded.Equal(addr))
	require.Equal(t, addr.String(), decoded.String())
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	_, err := DecodeAddress("not-an-address")
	require.Error(t, err)
}

func TestDeriveProgramAddressDeterministic(t *testing.T) {
	first, err := DeriveProgramAddress("staking", []byte("STAKING_SEED"))
	require.NoError(t, err)
	second, err := DeriveProgramAddress("staking", []byte("STAKING_SEED"))
	require.NoError(t, err)
	require.True(t, first.Equal(second))
	require.Equal(t, ProgramPrefix, first.Prefix())

	other, err := DeriveProgramAddress("staking", []byte("STAKING_"), []byte("SEED"))
	require.NoError(t, err)
	require.False(t, first.Equal(other), "seed boundaries must change the derived address")

	_, err = DeriveProgramAddress("staking")
	require.Error(t, err)
}

func TestProgramAuthorityOwnsOnlyItsAddress(t *testing.T) {
	auth, err := DeriveProgramAuthority("staking", []byte("STAKING_SEED"))
	require.NoError(t, err)
	require.True(t, auth.Owns(auth.Address()))

	stranger := NewAddress(StakePrefix, bytes.Repeat([]byte{0x01}, AddressLength))
	require.False(t, auth.Owns(stranger))

	var nilAuth *ProgramAuthority
	require.False(t, nilAuth.Owns(stranger))
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "operator.keystore")
	require.NoError(t, SaveToKeystore(path, key, "correct horse"))

	loaded, err := LoadFromKeystore(path, "correct horse")
	require.NoError(t, err)
	require.True(t, loaded.PubKey().Address().Equal(key.PubKey().Address()))

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestKeystoreAddressMatchesKey(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "operator.keystore")
	require.NoError(t, SaveToKeystore(path, key, "pw"))

	addr, err := KeystoreAddress(path)
	require.NoError(t, err)
	require.True(t, addr.Equal(key.PubKey().Address()))
}
