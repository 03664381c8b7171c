package srp

import "time"

const (
	avgShift  = 7
	margShift = 2

	// DefaultTimeoutCap is the floor of the adaptive timeout on a raw
	// transport.
	DefaultTimeoutCap = time.Millisecond
	// RSSITimeoutCap is the floor when RSSI retransmits underneath.
	RSSITimeoutCap = 50 * time.Millisecond
)

// DynTimeout estimates the reply timeout from an exponential moving average
// of observed round trips (weight 1/128) with a 4x margin, never dropping
// below a floor.
type DynTimeout struct {
	avg     uint64
	floor   time.Duration
	timeout time.Duration
	maxRTT  time.Duration
	samples uint64
}

func NewDynTimeout(initial, floor time.Duration) *DynTimeout {
	d := &DynTimeout{floor: floor}
	d.Reset(initial)
	return d
}

func usec(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d / time.Microsecond)
}

// Reset restores the average so the timeout equals initial.
func (d *DynTimeout) Reset(initial time.Duration) {
	d.avg = usec(initial) << (avgShift - margShift)
	d.refresh()
}

// Relax grows the estimate after a missed reply.
func (d *DynTimeout) Relax() {
	d.avg = d.avg + usec(d.timeout)<<1 - d.avg>>avgShift
	d.refresh()
}

// Update folds a measured round trip into the average.
func (d *DynTimeout) Update(rtt time.Duration) {
	d.avg = d.avg + usec(rtt) - d.avg>>avgShift
	d.samples++
	if rtt > d.maxRTT {
		d.maxRTT = rtt
	}
	d.refresh()
}

func (d *DynTimeout) refresh() {
	d.timeout = time.Duration(d.avg>>(avgShift-margShift)) * time.Microsecond
	if d.timeout < d.floor {
		d.timeout = d.floor
	}
}

func (d *DynTimeout) Get() time.Duration {
	return d.timeout
}

func (d *DynTimeout) MaxRTT() time.Duration {
	return d.maxRTT
}

func (d *DynTimeout) Samples() uint64 {
	return d.samples
}
