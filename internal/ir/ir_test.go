package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"warp/internal/ids"
)

func TestRecord_Validate_RequiresKindAndCommand(t *testing.T) {
	err := Record{}.Validate()
	require.Error(t, err)

	err = Record{Kind: KindExit}.Validate()
	require.Error(t, err)
}

func TestRecord_Validate_PerKindRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		ok   bool
	}{
		{"SpecialRef missing entity", Record{Kind: KindSpecialRef, Command: "c", Out: "r"}, false},
		{"SpecialRef complete", Record{Kind: KindSpecialRef, Command: "c", Entity: EntityStdin, Out: "r"}, true},
		{"PipeRef missing ends", Record{Kind: KindPipeRef, Command: "c"}, false},
		{"PipeRef complete", Record{Kind: KindPipeRef, Command: "c", OutRd: "r", OutWr: "w"}, true},
		{"SymlinkRef missing target", Record{Kind: KindSymlinkRef, Command: "c", Out: "r"}, false},
		{"PathRef missing base", Record{Kind: KindPathRef, Command: "c", Out: "r"}, false},
		{"Launch missing child", Record{Kind: KindLaunch, Command: "c"}, false},
		{"Launch complete", Record{Kind: KindLaunch, Command: "c", Child: "child"}, true},
		{"Exit zero status is valid", Record{Kind: KindExit, Command: "c"}, true},
		{"unknown kind", Record{Kind: "bogus", Command: "c"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rec.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAccessFlags_ToUnixOpenFlags_RoundTripsThroughFromUnix(t *testing.T) {
	f := AccessFlags{Write: true, Create: true, Truncate: true, Exclusive: true}
	raw := f.ToUnixOpenFlags()

	assert.NotZero(t, raw&unix.O_WRONLY)
	assert.NotZero(t, raw&unix.O_CREAT)
	assert.NotZero(t, raw&unix.O_TRUNC)
	assert.NotZero(t, raw&unix.O_EXCL)

	back := FlagsFromUnixOpenFlags(raw, 0644)
	assert.True(t, back.Write)
	assert.True(t, back.Create)
	assert.True(t, back.Truncate)
	assert.True(t, back.Exclusive)
	assert.False(t, back.Read)
}

func TestAccessFlags_ReadOnlyIsDefaultAccMode(t *testing.T) {
	f := AccessFlags{}
	raw := f.ToUnixOpenFlags()
	assert.Equal(t, unix.O_RDONLY, raw&unix.O_ACCMODE)
}

func TestAccessFlags_NoFollow_SurvivesRoundTrip(t *testing.T) {
	f := AccessFlags{Read: true, NoFollow: true}
	raw := f.ToUnixOpenFlags()
	assert.NotZero(t, raw&unix.O_NOFOLLOW)

	back := FlagsFromUnixOpenFlags(raw, 0)
	assert.True(t, back.NoFollow)
}

func TestRecord_Validate_LaunchAndJoinShareChildRequirement(t *testing.T) {
	rec := Record{Kind: KindJoin, Command: "c", Child: ids.CommandID("child")}
	assert.NoError(t, rec.Validate())
}
