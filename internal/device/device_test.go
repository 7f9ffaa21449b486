package device_test

import (
	"strings"
	"testing"

	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	addrA = device.MustParseAddress("AA:BB:CC:DD:EE:01")
	addrB = device.MustParseAddress("AA:BB:CC:DD:EE:02")
)

func TestParseAddress(t *testing.T) {
	a, err := device.ParseAddress("aa-bb-cc-dd-ee-ff")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", a.String())

	_, err = device.ParseAddress("AA:BB:CC")
	assert.Error(t, err)
	_, err = device.ParseAddress("ZZ:BB:CC:DD:EE:FF")
	assert.Error(t, err)

	assert.True(t, device.Address{}.IsZero())
	assert.False(t, a.IsZero())
}

func TestMergeState(t *testing.T) {
	tests := []struct {
		name     string
		current  device.State
		update   device.State
		expected device.State
	}{
		{"voice onto audio", device.StateConnectedAudio, device.StateConnectedVoice, device.StateConnectedBoth},
		{"audio onto voice", device.StateConnectedVoice, device.StateConnectedAudio, device.StateConnectedBoth},
		{"voice onto both", device.StateConnectedBoth, device.StateConnectedVoice, device.StateConnectedBoth},
		{"paired onto both", device.StateConnectedBoth, device.StatePaired, device.StatePaired},
		{"voice onto voice", device.StateConnectedVoice, device.StateConnectedVoice, device.StateConnectedVoice},
		{"connecting onto paired", device.StatePaired, device.StateConnecting, device.StateConnecting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, device.MergeState(tt.current, tt.update))
		})
	}
}

func TestTruncateName(t *testing.T) {
	long := strings.Repeat("ż", device.MaxNameLength)
	truncated := device.TruncateName(long)
	assert.LessOrEqual(t, len(truncated), device.MaxNameLength)
	assert.True(t, strings.HasPrefix(long, truncated))
	assert.Equal(t, "name", device.TruncateName("name\x00\x00"))
}

func TestBondedRoundTrip(t *testing.T) {
	ja := testutils.NewJSONAsserter(t)

	doc, err := device.EncodeBonded([]device.Device{device.New(addrA, "Headset"), device.New(addrB, "Car")})
	require.NoError(t, err)
	ja.Assert(doc, `{"devices":[{"addr":"AA:BB:CC:DD:EE:01","name":"Headset"},{"addr":"AA:BB:CC:DD:EE:02","name":"Car"}]}`)

	devices, err := device.DecodeBonded(doc)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, device.StatePaired, devices[0].State)
	assert.Equal(t, "Car", devices[1].Name)

	devices, err = device.DecodeBonded("")
	assert.NoError(t, err)
	assert.Empty(t, devices)

	_, err = device.DecodeBonded(`{"devices":[{"addr":"nope"}]}`)
	assert.Error(t, err)
}

type RegistryTestSuite struct {
	suite.Suite
	registry *device.Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.registry = device.NewRegistry()
}

func (s *RegistryTestSuite) TestUpsertMergesSameAddress() {
	// GOAL: Verify the registry never holds two entries for one address
	//
	// TEST SCENARIO: Insert same address twice with different data → one entry with merged data

	s.registry.Upsert(device.Device{Address: addrA, Name: "Headset", ClassOfDevice: device.ClassServiceAudio})
	merged := s.registry.Upsert(device.Device{Address: addrA, State: device.StatePaired})

	s.Equal(1, s.registry.Len(), "same address MUST collapse into one entry")
	s.Equal("Headset", merged.Name, "empty name MUST NOT overwrite the stored one")
	s.Equal(uint32(device.ClassServiceAudio), merged.ClassOfDevice)
	s.Equal(device.StatePaired, merged.State)
}

func (s *RegistryTestSuite) TestVoiceAndAudioCoalesce() {
	s.registry.Upsert(device.Device{Address: addrA, State: device.StateConnectedAudio})
	merged := s.registry.Upsert(device.Device{Address: addrA, State: device.StateConnectedVoice})

	s.Equal(device.StateConnectedBoth, merged.State, "voice onto audio MUST yield connected_both")
	s.Equal(1, s.registry.Len())
}

func (s *RegistryTestSuite) TestSingleActiveDevice() {
	// GOAL: Verify at most one device is connecting or connected
	//
	// TEST SCENARIO: A connected, then B connecting → A demoted to paired

	s.registry.Upsert(device.Device{Address: addrA, State: device.StateConnectedAudio})
	s.registry.Upsert(device.Device{Address: addrB, State: device.StateConnecting})

	a, ok := s.registry.Get(addrA)
	s.Require().True(ok)
	s.Equal(device.StatePaired, a.State, "previous active device MUST be demoted")

	active, ok := s.registry.Active()
	s.Require().True(ok)
	s.Equal(addrB, active.Address)
}

func (s *RegistryTestSuite) TestDropLink() {
	s.registry.Upsert(device.Device{Address: addrA, State: device.StateConnectedBoth})

	d, err := s.registry.DropLink(addrA, device.StateConnectedVoice)
	s.Require().NoError(err)
	s.Equal(device.StateConnectedAudio, d.State)

	d, err = s.registry.DropLink(addrA, device.StateConnectedAudio)
	s.Require().NoError(err)
	s.Equal(device.StatePaired, d.State)

	_, err = s.registry.DropLink(addrB, device.StateConnectedAudio)
	s.ErrorIs(err, device.ErrNotFound)
}

func (s *RegistryTestSuite) TestOrderAndBonded() {
	s.registry.Upsert(device.Device{Address: addrB, Name: "second-inserted-first"})
	s.registry.Upsert(device.Device{Address: addrA, Name: "paired", State: device.StatePaired})

	all := s.registry.Devices()
	s.Require().Len(all, 2)
	s.Equal(addrB, all[0].Address, "devices MUST keep insertion order")

	bonded := s.registry.Bonded()
	s.Require().Len(bonded, 1)
	s.Equal(addrA, bonded[0].Address)

	s.True(s.registry.Remove(addrA))
	s.False(s.registry.Remove(addrA))
	_, err := s.registry.SetState(addrA, device.StatePaired)
	s.ErrorIs(err, device.ErrNotFound)

	s.registry.Clear()
	s.Zero(s.registry.Len())
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
