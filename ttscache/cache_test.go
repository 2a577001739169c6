package ttscache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T, policy Policy) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "tts.db"), policy)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKeyDeterministicAndSensitiveToEveryField(t *testing.T) {
	base := Params{Text: "hello", Model: "m1", Speed: 1.0, StyleID: "s1", SpeakerID: "sp1", Pitch: 0}
	k1 := Key(base)
	k2 := Key(base)
	assert.Equal(t, k1, k2)

	variants := []Params{
		withText(base, "goodbye"),
		withModel(base, "m2"),
		withSpeed(base, 1.1),
		withStyle(base, "s2"),
		withSpeaker(base, "sp2"),
		withPitch(base, 1.0),
	}
	for _, v := range variants {
		assert.NotEqual(t, k1, Key(v))
	}
}

func withText(p Params, v string) Params     { p.Text = v; return p }
func withModel(p Params, v string) Params    { p.Model = v; return p }
func withSpeed(p Params, v float64) Params   { p.Speed = v; return p }
func withStyle(p Params, v string) Params    { p.StyleID = v; return p }
func withSpeaker(p Params, v string) Params  { p.SpeakerID = v; return p }
func withPitch(p Params, v float64) Params   { p.Pitch = v; return p }

func TestInsertThenLookupRoundTrips(t *testing.T) {
	c := openTestCache(t, Policy{MaxEntries: 100, MaxTotalSize: 1 << 20})
	params := Params{Text: "hi there", Model: "voice-1", Speed: 1.0, StyleID: "neutral", SpeakerID: "spk-a", Pitch: 0}
	key := Key(params)

	require.NoError(t, c.Insert(key, params, []byte{0x01, 0x02, 0x03}, 123.4))

	entry, found, err := c.Lookup(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, params, entry.Params)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, entry.AudioData)
	assert.Equal(t, int64(1), entry.UseCount)

	entry2, found2, err := c.Lookup(key)
	require.NoError(t, err)
	require.True(t, found2)
	assert.Equal(t, int64(2), entry2.UseCount)
}

func TestLookupMissReturnsNotFound(t *testing.T) {
	c := openTestCache(t, Policy{MaxEntries: 100, MaxTotalSize: 1 << 20})
	_, found, err := c.Lookup("does-not-exist")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEvictByMaxEntriesRemovesLeastRecentlyUsed(t *testing.T) {
	c := openTestCache(t, Policy{MaxEntries: 2, MaxTotalSize: 1 << 20})

	for i, name := range []string{"a", "b", "c"} {
		p := Params{Text: name, Model: "m", Speed: 1, StyleID: "s", SpeakerID: "sp", Pitch: 0}
		require.NoError(t, c.Insert(Key(p), p, []byte{byte(i)}, 1))
	}
	// Touch "b" and "c" so "a" is the least-recently-used.
	_, _, _ = c.Lookup(Key(Params{Text: "b", Model: "m", Speed: 1, StyleID: "s", SpeakerID: "sp", Pitch: 0}))
	_, _, _ = c.Lookup(Key(Params{Text: "c", Model: "m", Speed: 1, StyleID: "s", SpeakerID: "sp", Pitch: 0}))

	deleted, err := c.Evict()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, found, _ := c.Lookup(Key(Params{Text: "a", Model: "m", Speed: 1, StyleID: "s", SpeakerID: "sp", Pitch: 0}))
	assert.False(t, found)
}

func TestClaimGrantsOneOwnerAndReleasesWaiters(t *testing.T) {
	c := openTestCache(t, Policy{MaxEntries: 100, MaxTotalSize: 1 << 20})

	wait1, done1, owned1 := c.Claim("shared-key")
	assert.True(t, owned1)
	assert.Nil(t, wait1)

	wait2, _, owned2 := c.Claim("shared-key")
	assert.False(t, owned2)
	require.NotNil(t, wait2)

	released := make(chan struct{})
	go func() {
		<-wait2
		close(released)
	}()

	done1()
	<-released
}
