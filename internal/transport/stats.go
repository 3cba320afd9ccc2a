package transport

import "sync/atomic"

// Stats is a read-only snapshot of client-wide protocol and byte
// counters, per spec section 4.1's "statistics ... are exposed".
type Stats struct {
	H2Requests        int64
	H1Requests        int64
	ConnectionsReused int64
	ConnectionsNew    int64
	RawBytes          int64
	DecodedBytes      int64
}

// ConnectionReuseRatio returns the fraction of connections that were
// reused rather than newly dialed, or 0 if none were opened.
func (s Stats) ConnectionReuseRatio() float64 {
	total := s.ConnectionsReused + s.ConnectionsNew
	if total == 0 {
		return 0
	}

	return float64(s.ConnectionsReused) / float64(total)
}

type statsCounters struct {
	h2Requests        atomic.Int64
	h1Requests        atomic.Int64
	connectionsReused atomic.Int64
	connectionsNew    atomic.Int64
	rawBytes          atomic.Int64
	decodedBytes      atomic.Int64
}

func (c *statsCounters) snapshot() Stats {
	return Stats{
		H2Requests:        c.h2Requests.Load(),
		H1Requests:        c.h1Requests.Load(),
		ConnectionsReused: c.connectionsReused.Load(),
		ConnectionsNew:    c.connectionsNew.Load(),
		RawBytes:          c.rawBytes.Load(),
		DecodedBytes:      c.decodedBytes.Load(),
	}
}
