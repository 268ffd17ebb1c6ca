package timesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/facebookincubator/ntp/protocol/ntp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	sntpExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sntp_exchanges",
		Help: "count of SNTP request/reply exchanges, by result",
	}, []string{"result"})

	sntpOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sntp_last_offset_seconds",
		Help: "offset stepped into the clock by the last successful exchange",
	})

	sntpDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sntp_round_trip_seconds",
		Help:    "round trip delay of successful exchanges, less server processing time",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

const (
	ntpPort = "123"

	// LI 0, version 4, mode 3 (client).
	clientSettings = 0<<6 | 4<<3 | 3
	modeServer     = 4
	leapAlarm      = 3
)

// SNTP is a simple network time client.  Each Restart starts a background exchange with one
// server that repeats until a reply is accepted, then steps the Clock by the measured offset.
type SNTP struct {
	// Timeout bounds one request/reply exchange.
	Timeout time.Duration
	// Retry is the wait between failed exchanges.
	Retry time.Duration

	clock  *Clock
	timer  clockwork.Clock
	dialer net.Dialer
	l      trace.EventLog
	w      worker
}

// NewSNTP returns a client that corrects clock.
func NewSNTP(clock *Clock) *SNTP {
	return &SNTP{
		Timeout: 2 * time.Second,
		Retry:   2 * time.Second,
		clock:   clock,
		timer:   clockwork.NewRealClock(),
		l:       trace.NewEventLog("timesync", "sntp"),
	}
}

// Restart abandons any exchange in progress and starts syncing against server, which may include
// a port.
func (s *SNTP) Restart(server string) error {
	if server == "" {
		return errors.New("empty server name")
	}
	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, ntpPort)
	}
	s.l.Printf("restart against %s", addr)
	s.w.start(func(ctx context.Context) bool {
		return s.run(ctx, addr)
	})
	return nil
}

// Completed reports whether an exchange since the last Restart has stepped the clock.
func (s *SNTP) Completed() bool {
	return s.w.completed.Load()
}

// Stop abandons any exchange in progress.
func (s *SNTP) Stop() {
	s.w.stop()
}

func (s *SNTP) run(ctx context.Context, addr string) bool {
	for {
		offset, err := s.Query(ctx, addr)
		if err == nil {
			s.clock.Step(offset)
			sntpOffset.Set(offset.Seconds())
			log.Printf("sntp: stepped clock by %v from %s", offset, addr)
			s.l.Printf("stepped clock by %v", offset)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.l.Errorf("exchange with %s: %v", addr, err)
		select {
		case <-ctx.Done():
			return false
		case <-s.timer.After(s.Retry):
		}
	}
}

// Query performs one exchange with addr and returns how far the Clock is behind the server.
func (s *SNTP) Query(ctx context.Context, addr string) (time.Duration, error) {
	offset, delay, err := s.query(ctx, addr)
	if err != nil {
		sntpExchanges.WithLabelValues("error").Inc()
		return 0, err
	}
	sntpExchanges.WithLabelValues("ok").Inc()
	sntpDelay.Observe(delay.Seconds())
	return offset, nil
}

func (s *SNTP) query(ctx context.Context, addr string) (offset, delay time.Duration, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	conn, err := s.dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return 0, 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, 0, fmt.Errorf("set deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	t1 := s.clock.Now()
	req := &ntp.Packet{Settings: clientSettings}
	req.TxTimeSec, req.TxTimeFrac = ntp.Time(t1)
	b, err := req.Bytes()
	if err != nil {
		return 0, 0, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(b); err != nil {
		return 0, 0, fmt.Errorf("send request: %w", err)
	}

	buf := make([]byte, 2*ntp.PacketSizeBytes)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("read reply: %w", err)
	}
	t4 := s.clock.Now()
	if n < ntp.PacketSizeBytes {
		return 0, 0, fmt.Errorf("short reply: %d bytes", n)
	}
	resp, err := ntp.BytesToPacket(buf[:ntp.PacketSizeBytes])
	if err != nil {
		return 0, 0, fmt.Errorf("decode reply: %w", err)
	}
	if err := validateReply(req, resp); err != nil {
		return 0, 0, err
	}

	t2 := ntp.Unix(resp.RxTimeSec, resp.RxTimeFrac)
	t3 := ntp.Unix(resp.TxTimeSec, resp.TxTimeFrac)
	offset = (t2.Sub(t1) + t3.Sub(t4)) / 2
	delay = t4.Sub(t1) - t3.Sub(t2)
	return offset, delay, nil
}

// validateReply rejects replies that cannot be used to set the clock.
func validateReply(req, resp *ntp.Packet) error {
	if mode := resp.Settings & 0x7; mode != modeServer {
		return fmt.Errorf("reply mode %d is not server mode", mode)
	}
	if li := resp.Settings >> 6; li == leapAlarm {
		return errors.New("server clock is not synchronized")
	}
	if resp.Stratum == 0 || resp.Stratum > 15 {
		return fmt.Errorf("unusable stratum %d (kiss code %q)", resp.Stratum, kissCode(resp.ReferenceID))
	}
	if resp.OrigTimeSec != req.TxTimeSec || resp.OrigTimeFrac != req.TxTimeFrac {
		return errors.New("reply does not answer our request")
	}
	if resp.TxTimeSec == 0 && resp.TxTimeFrac == 0 {
		return errors.New("reply has no transmit time")
	}
	return nil
}

func kissCode(id uint32) string {
	return string([]byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)})
}
