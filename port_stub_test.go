package ecupulse

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// stubPort scripts poll outcomes per requested pid: queued results are
// consumed first, then the per-pid default, then a failure.
type stubPort struct {
	queues   map[uint8][]Result
	defaults map[uint8]Result
	requests []uint8
	pid      uint8
}

func newStubPort() *stubPort {
	return &stubPort{
		queues:   make(map[uint8][]Result),
		defaults: make(map[uint8]Result),
	}
}

func (p *stubPort) push(pid uint8, results ...Result) {
	p.queues[pid] = append(p.queues[pid], results...)
}

func (p *stubPort) setDefault(pid uint8, res Result) {
	p.defaults[pid] = res
}

func (p *stubPort) Request(pid uint8) error {
	p.pid = pid
	p.requests = append(p.requests, pid)
	return nil
}

func (p *stubPort) Poll() Result {
	if q := p.queues[p.pid]; len(q) > 0 {
		p.queues[p.pid] = q[1:]
		return q[0]
	}
	if res, ok := p.defaults[p.pid]; ok {
		return res
	}
	return FailedResult(errors.Errorf("unscripted pid %#02x", p.pid))
}

func (p *stubPort) Close() error { return nil }

// maskBytes builds a capability mask for the block following base that
// marks exactly the given identifiers as supported.
func maskBytes(base uint8, ids ...uint8) []byte {
	var m uint32
	for _, id := range ids {
		m |= 1 << uint(31-(int(id)-int(base)-1))
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m)
	return b
}

// stubCaps runs discovery against scripted probe masks so cycle tests
// control exactly which parameters are supported.
func stubCaps(port *stubPort, supported ...uint8) *CapabilityMap {
	blocks := map[uint8][]uint8{}
	for _, id := range supported {
		switch {
		case id > 0x40:
			blocks[PIDSupported41to60] = append(blocks[PIDSupported41to60], id)
		case id > 0x20:
			blocks[PIDSupported21to40] = append(blocks[PIDSupported21to40], id)
		default:
			blocks[PIDSupported01to20] = append(blocks[PIDSupported01to20], id)
		}
	}
	for _, probe := range probePIDs {
		port.push(probe, DoneResult(maskBytes(probe, blocks[probe]...)))
	}
	caps := &CapabilityMap{}
	caps.Discover(NewQueryEngine(port))
	return caps
}
