package crypto

import (
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

var errNoSeeds = errors.New("crypto: program address requires at least one seed")

// programDomain separates derived addresses from key-backed ones so a seed
// set can never hash to the address of a real public key by construction.
var programDomain = []byte("stakepool/program-address")

// DeriveProgramAddress hashes the program identifier and seeds into a
// deterministic address that has no private key.
func DeriveProgramAddress(programID string, seeds ...[]byte) (Address, error) {
	if len(seeds) == 0 {
		return Address{}, errNoSeeds
	}
	parts := make([][]byte, 0, len(seeds)+2)
	parts = append(parts, programDomain, []byte(programID))
	for _, seed := range seeds {
		// Length prefix keeps ("ab","c") and ("a","bc") distinct.
		parts = append(parts, []byte{byte(len(seed))}, seed)
	}
	digest := crypto.Keccak256(parts...)
	return NewAddress(ProgramPrefix, digest[len(digest)-AddressLength:]), nil
}

// ProgramAuthority is the signing capability of a program-derived address.
// It can only be obtained through DeriveProgramAuthority, which keeps pool
// initiated transfers distinct from anything a user credential can produce.
type ProgramAuthority struct {
	address Address
}

// DeriveProgramAuthority derives the authority for the supplied seeds.
func DeriveProgramAuthority(programID string, seeds ...[]byte) (*ProgramAuthority, error) {
	addr, err := DeriveProgramAddress(programID, seeds...)
	if err != nil {
		return nil, err
	}
	return &ProgramAuthority{address: addr}, nil
}

// Address returns the derived address the authority signs for.
func (p *ProgramAuthority) Address() Address {
	if p == nil {
		return Address{}
	}
	return p.address
}

// Owns reports whether addr is the authority's own address.
func (p *ProgramAuthority) Owns(addr Address) bool {
	if p == nil || p.address.IsZero() {
		return false
	}
	return p.address.Equal(addr)
}
