package timesync

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var chronyPolls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chrony_tracking_polls",
	Help: "count of tracking requests sent to chronyd, by result",
}, []string{"result"})

// From chrony/ntp.h.
const leapUnsynchronized = 3

// Chrony reports sync completion from a local chronyd, for boards where chronyd owns the system
// clock.  The server passed to Restart is only logged; chronyd picks its own sources.
type Chrony struct {
	// Addr is chronyd's command port.
	Addr string
	// Interval is the wait between tracking requests.
	Interval time.Duration
	// Timeout bounds one request.
	Timeout time.Duration

	timer  clockwork.Clock
	dialer net.Dialer
	l      trace.EventLog
	w      worker

	mu       sync.Mutex
	tracking *chrony.Tracking
}

// NewChrony returns a client for the chronyd on this machine.
func NewChrony() *Chrony {
	return &Chrony{
		Addr:     "localhost:323",
		Interval: time.Second,
		Timeout:  time.Second,
		timer:    clockwork.NewRealClock(),
		l:        trace.NewEventLog("timesync", "chrony"),
	}
}

// Restart starts watching chronyd's tracking report until it shows a synchronized clock.
func (c *Chrony) Restart(server string) error {
	c.l.Printf("restart (requested server %s)", server)
	c.w.start(c.run)
	return nil
}

// Completed reports whether chronyd has said it is synchronized since the last Restart.
func (c *Chrony) Completed() bool {
	return c.w.completed.Load()
}

// Stop stops watching chronyd.
func (c *Chrony) Stop() {
	c.w.stop()
}

// Tracking returns the last tracking report received, if any.
func (c *Chrony) Tracking() (chrony.Tracking, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracking == nil {
		return chrony.Tracking{}, false
	}
	return *c.tracking, true
}

func (c *Chrony) run(ctx context.Context) bool {
	for {
		tracking, err := c.poll(ctx)
		switch {
		case err != nil:
			chronyPolls.WithLabelValues("error").Inc()
			c.l.Errorf("poll chronyd: %v", err)
		case Synchronized(tracking):
			chronyPolls.WithLabelValues("synchronized").Inc()
			log.Printf("chronyd synchronized to %s (stratum %d)", refID(tracking.IPAddr), tracking.Stratum)
			return true
		default:
			chronyPolls.WithLabelValues("unsynchronized").Inc()
			c.l.Printf("chronyd not synchronized yet: stratum %d, leap %d", tracking.Stratum, tracking.LeapStatus)
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.timer.After(c.Interval):
		}
	}
}

func (c *Chrony) poll(ctx context.Context) (*chrony.Tracking, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(ctx, "udp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client := chrony.Client{Sequence: 1, Connection: conn}
	res, err := client.Communicate(chrony.NewTrackingPacket())
	if err != nil {
		return nil, fmt.Errorf("get tracking info: communicate: %w", err)
	}
	reply, ok := res.(*chrony.ReplyTracking)
	if !ok {
		return nil, fmt.Errorf("tracking reply was of unexpected type: %T", res)
	}
	c.l.Printf("tracking: ref %s stratum %d leap %d offset %v", FormatRefID(reply.RefID), reply.Stratum, reply.LeapStatus, reply.LastOffset)
	c.mu.Lock()
	c.tracking = &reply.Tracking
	c.mu.Unlock()
	return &reply.Tracking, nil
}

// Synchronized reports whether a tracking report shows a usable clock.
func Synchronized(t *chrony.Tracking) bool {
	return t != nil && t.LeapStatus != leapUnsynchronized && t.Stratum >= 1 && t.Stratum <= 15
}

// refID returns a printable name for a reference: the ASCII name of a reference clock like "GPS"
// or "PPS", or the address of an upstream server.
func refID(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		last := len(v4)
		for i, b := range v4 {
			if b == 0 && i > 0 {
				last = i
				break
			}
			if b < '0' || b > 'z' {
				last = 0
				break
			}
		}
		if last > 0 {
			return string(v4[0:last])
		}
	}
	return ip.String()
}

// FormatRefID is refID for the 32-bit reference ids chronyd reports.
func FormatRefID(x uint32) string {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, x)
	return refID(ip)
}
