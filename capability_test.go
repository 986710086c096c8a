package ecupulse

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func fullMask() []byte {
	return []byte{0xFF, 0xFF, 0xFF, 0xFF}
}

func TestCapabilityFirstBlockFullySupported(t *testing.T) {
	port := newStubPort()
	port.push(PIDSupported01to20, DoneResult(fullMask()))
	port.setDefault(PIDSupported21to40, FailedResult(errors.New("no data")))
	port.setDefault(PIDSupported41to60, FailedResult(errors.New("no data")))

	caps := &CapabilityMap{}
	caps.Discover(NewQueryEngine(port))

	assert.True(t, caps.Discovered())
	assert.True(t, caps.Supported(0), "the probe itself is always supported")
	for id := uint8(1); id <= 32; id++ {
		assert.True(t, caps.Supported(id), "id %d", id)
	}
	for id := uint8(33); id <= 96; id++ {
		assert.False(t, caps.Supported(id), "id %d", id)
	}
	assert.Equal(t, 2, caps.ProbeErrors())
}

func TestCapabilityProbeFailureDegradesOneBlock(t *testing.T) {
	port := newStubPort()
	port.push(PIDSupported01to20, FailedResult(errors.New("no data")))
	port.push(PIDSupported21to40, DoneResult(fullMask()))
	port.push(PIDSupported41to60, FailedResult(errors.New("no data")))

	caps := &CapabilityMap{}
	caps.Discover(NewQueryEngine(port))

	for id := uint8(1); id <= 32; id++ {
		assert.False(t, caps.Supported(id), "id %d", id)
	}
	for id := uint8(33); id <= 64; id++ {
		assert.True(t, caps.Supported(id), "id %d", id)
	}
	assert.Equal(t, 2, caps.ProbeErrors())
}

func TestCapabilityBeforeDiscovery(t *testing.T) {
	caps := &CapabilityMap{}
	assert.False(t, caps.Discovered())
	assert.True(t, caps.Supported(0))
	assert.False(t, caps.Supported(PIDEngineRPM))
}

func TestCapabilityRediscoveryIsIdempotent(t *testing.T) {
	port := newStubPort()
	port.setDefault(PIDSupported01to20, DoneResult(maskBytes(0x00, PIDEngineRPM, PIDVehicleSpeed)))
	port.setDefault(PIDSupported21to40, DoneResult(maskBytes(0x20, PIDFuelLevel)))
	port.setDefault(PIDSupported41to60, DoneResult(maskBytes(0x40, PIDControlVoltage)))

	engine := NewQueryEngine(port)
	caps := &CapabilityMap{}
	caps.Discover(engine)
	first := make([]bool, 256)
	for i := range first {
		first[i] = caps.Supported(uint8(i))
	}

	caps.Discover(engine)
	for i := range first {
		assert.Equal(t, first[i], caps.Supported(uint8(i)), "id %d", i)
	}
}

func TestCapabilityRediscoveryOverwrites(t *testing.T) {
	port := newStubPort()
	port.push(PIDSupported01to20, DoneResult(fullMask()))
	port.setDefault(PIDSupported21to40, FailedResult(errors.New("no data")))
	port.setDefault(PIDSupported41to60, FailedResult(errors.New("no data")))

	engine := NewQueryEngine(port)
	caps := &CapabilityMap{}
	caps.Discover(engine)
	assert.True(t, caps.Supported(PIDEngineRPM))

	// the second connection reports nothing at all in the first block
	port.push(PIDSupported01to20, DoneResult([]byte{0, 0, 0, 0}))
	caps.Discover(engine)
	assert.False(t, caps.Supported(PIDEngineRPM))
}
