package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIsCommutative(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"65f1c0ffee", "65f1c0ffed"},
		{"b", "a"},
		{"user-1", "user-10"},
	}
	for _, p := range pairs {
		ab, err := Resolve(p[0], p[1])
		require.NoError(t, err)
		ba, err := Resolve(p[1], p[0])
		require.NoError(t, err)
		assert.Equal(t, ab, ba, "pair %v", p)
	}
}

func TestResolveOrdersParticipants(t *testing.T) {
	k, err := Resolve("zoe", "adam")
	require.NoError(t, err)
	assert.Equal(t, Key("adam:zoe"), k)

	a, b := k.Participants()
	assert.Equal(t, "adam", a)
	assert.Equal(t, "zoe", b)
	assert.True(t, k.Has("zoe"))
	assert.False(t, k.Has("eve"))
	assert.False(t, k.Has(""))

	peer, ok := k.Peer("adam")
	assert.True(t, ok)
	assert.Equal(t, "zoe", peer)
	_, ok = k.Peer("eve")
	assert.False(t, ok)
}

func TestResolveRejectsInvalidInput(t *testing.T) {
	_, err := Resolve("", "bob")
	assert.ErrorIs(t, err, ErrEmptyParticipant)

	_, err = Resolve("alice", "")
	assert.ErrorIs(t, err, ErrEmptyParticipant)

	_, err = Resolve("al:ice", "bob")
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = Resolve("alice", "alice")
	assert.ErrorIs(t, err, ErrSelfChat)
}

func TestParse(t *testing.T) {
	k, err := Parse("alice:bob")
	require.NoError(t, err)
	assert.Equal(t, Key("alice:bob"), k)

	for _, bad := range []string{"", "r1", "bob:alice", "alice:alice", ":bob", "a:b:c"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "input %q", bad)
	}
}

func TestValidateParticipant(t *testing.T) {
	assert.NoError(t, ValidateParticipant("65f1c0ffee"))
	assert.ErrorIs(t, ValidateParticipant(""), ErrEmptyParticipant)
	assert.ErrorIs(t, ValidateParticipant("a:b"), ErrInvalidParticipant)
}
