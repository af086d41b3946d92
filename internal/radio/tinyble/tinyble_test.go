package tinyble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/srg/bledive/internal/radio"
)

func TestParseUUID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "fefb", "fefb"},
		{"short upper with prefix", "0xFEFB", "fefb"},
		{"dashed vendor", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"compact vendor", "fe25c2370ece443cb0aae02033e7029d", "fe25c2370ece443cb0aae02033e7029d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := parseUUID(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, radio.NormalizeUUID(u.String()))
		})
	}

	_, err := parseUUID("not-a-uuid")
	assert.Error(t, err)
}

func TestConvertScanResult(t *testing.T) {
	// GOAL: a tinygo scan result maps onto the backend-neutral advertisement
	//
	// TEST SCENARIO: NUS advertised + one manufacturer element → services detected, company ID little-endian
	nus, err := parseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	require.NoError(t, err)

	adv := convertScanResult("C0:FF:EE:00:00:01", -58, "Reef 4242",
		func(u bluetooth.UUID) bool { return u == nus },
		[]bluetooth.ManufacturerDataElement{{CompanyID: 0x0059, Data: []byte{0x01, 0x02}}})

	assert.Equal(t, "C0:FF:EE:00:00:01", adv.Address)
	assert.Equal(t, "Reef 4242", adv.Name)
	assert.Equal(t, -58, adv.RSSI)
	assert.True(t, adv.Connectable)
	assert.Equal(t, []string{"6e400001b5a3f393e0a9e50e24dcca9e"}, adv.Services)
	assert.Equal(t, []byte{0x59, 0x00, 0x01, 0x02}, adv.ManufacturerData)

	ks, ok := radio.LookupKnownService(adv.Services[0])
	require.True(t, ok)
	assert.Equal(t, "Nordic UART", ks.Name)
}

func TestConvertScanResult_NoServices(t *testing.T) {
	adv := convertScanResult("aa:bb", 0, "", func(bluetooth.UUID) bool { return false }, nil)
	assert.Empty(t, adv.Services)
	assert.Empty(t, adv.ManufacturerData)
}

func TestSelectChannel_ForcesWriteCommand(t *testing.T) {
	services := []radio.ServiceInfo{
		{UUID: "1800", Characteristics: []radio.CharacteristicInfo{{UUID: "2a00", Properties: assumedProperties}}},
		{UUID: "6e400001b5a3f393e0a9e50e24dcca9e", Characteristics: []radio.CharacteristicInfo{
			{UUID: "6e400002b5a3f393e0a9e50e24dcca9e", Properties: assumedProperties},
			{UUID: "6e400003b5a3f393e0a9e50e24dcca9e", Properties: assumedProperties},
		}},
	}

	ch, err := selectChannel(services)
	require.NoError(t, err)
	assert.Equal(t, "6e400003b5a3f393e0a9e50e24dcca9e", ch.Notify)
	assert.Equal(t, "6e400002b5a3f393e0a9e50e24dcca9e", ch.Write)
	assert.Equal(t, radio.WriteUnacknowledged, ch.Mode)

	_, err = selectChannel(services[:1])
	assert.ErrorIs(t, err, radio.ErrNoChannel)
}
