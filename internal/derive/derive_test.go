package derive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterminism(t *testing.T) {
	assert.Equal(t, Exchange(), Exchange())
	assert.Equal(t, Market(1), Market(1))
	assert.Equal(t, UserAccount("alice"), UserAccount("alice"))
	assert.Equal(t, UserPosition("alice", 1), UserPosition("alice", 1))
	assert.Equal(t, TreasuryPosition("usdc"), TreasuryPosition("usdc"))
}

func TestDistinctness(t *testing.T) {
	seen := map[Address]string{}
	add := func(name string, a Address) {
		if prev, ok := seen[a]; ok {
			t.Fatalf("address collision between %s and %s", prev, name)
		}
		seen[a] = name
	}

	add("exchange", Exchange())
	add("market-1", Market(1))
	add("market-2", Market(2))
	add("account-alice", UserAccount("alice"))
	add("account-bob", UserAccount("bob"))
	add("position-alice-1", UserPosition("alice", 1))
	add("position-alice-2", UserPosition("alice", 2))
	add("position-bob-1", UserPosition("bob", 1))
	add("treasury-usdc", TreasuryPosition("usdc"))
}

func TestKeyBoundariesDoNotCollide(t *testing.T) {
	// "ab"+"c" must not derive the same address as "a"+"bc".
	a1, err := ForKind(KindUserPosition, []byte("ab"), []byte("c"))
	require.NoError(t, err)
	a2, err := ForKind(KindUserPosition, []byte("a"), []byte("bc"))
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
}

func TestKeyArity(t *testing.T) {
	_, err := ForKind(KindExchange, []byte("extra"))
	assert.ErrorIs(t, err, ErrBadKeys)

	_, err = ForKind(KindMarket)
	assert.ErrorIs(t, err, ErrBadKeys)

	_, err = ForKind(Kind(99))
	assert.ErrorIs(t, err, ErrBadKeys)
}
