// Package wifi brings up the network link with NetworkManager and reports its progress as
// timesource events.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/round-clock/control/poll"
	"github.com/jrockway/round-clock/control/timesource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	associations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wifi_associations",
		Help: "count of association attempts, by result",
	}, []string{"result"})

	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wifi_dropped_events",
		Help: "count of link events dropped because nobody was reading them",
	})
)

// Station is a network interface that can be associated with an access point.  With an empty
// SSID it is treated as wired and association only waits for an address.
type Station struct {
	// Interface is the network interface name, like wlan0.
	Interface string
	// ConnectWait is how long nmcli may take to associate.
	ConnectWait time.Duration
	// AddressWait bounds the wait for an address after association.
	AddressWait time.Duration
	// PollInterval is the time between address checks.
	PollInterval time.Duration

	run   func(ctx context.Context, name string, args ...string) ([]byte, error)
	addrs func(iface string) ([]net.Addr, error)
	clock clockwork.Clock
	l     trace.EventLog

	events chan timesource.Event

	mu             sync.Mutex
	ssid, password string
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// NewStation returns a Station for the named interface.
func NewStation(iface string) *Station {
	return &Station{
		Interface:    iface,
		ConnectWait:  15 * time.Second,
		AddressWait:  15 * time.Second,
		PollInterval: 500 * time.Millisecond,
		run:          runCommand,
		addrs:        interfaceAddrs,
		clock:        clockwork.NewRealClock(),
		l:            trace.NewEventLog("wifi", iface),
		events:       make(chan timesource.Event, 16),
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func interfaceAddrs(name string) ([]net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return iface.Addrs()
}

// Events returns the channel link events are delivered on.
func (s *Station) Events() <-chan timesource.Event {
	return s.events
}

func (s *Station) emit(e timesource.Event) {
	s.l.Printf("event: %v", e)
	select {
	case s.events <- e:
	default:
		droppedEvents.Inc()
		s.l.Errorf("event %v dropped", e)
	}
}

// Start records the credentials and reports that the link is ready to associate.
func (s *Station) Start(ctx context.Context, ssid, password string) error {
	if s.Interface == "" {
		return errors.New("no network interface configured")
	}
	s.mu.Lock()
	s.ssid, s.password = ssid, password
	s.mu.Unlock()
	if ssid == "" {
		log.Printf("wifi: no ssid configured; waiting for an address on %s", s.Interface)
	} else {
		log.Printf("wifi: joining %q on %s", ssid, s.Interface)
	}
	s.emit(timesource.EventStarted)
	return nil
}

// Associate starts joining the network in the background, abandoning any earlier attempt.  It
// reports EventGotAddress once the interface has a usable IPv4 address, or EventDisconnected if
// joining fails or no address arrives in time.
func (s *Station) Associate(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	ssid, password := s.ssid, s.password
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.associate(ctx, ssid, password); err != nil {
			if ctx.Err() != nil {
				return
			}
			associations.WithLabelValues("failed").Inc()
			log.Printf("wifi: %v", err)
			s.l.Errorf("associate: %v", err)
			s.emit(timesource.EventDisconnected)
			return
		}
		associations.WithLabelValues("ok").Inc()
		s.emit(timesource.EventGotAddress)
	}()
	return nil
}

func (s *Station) associate(ctx context.Context, ssid, password string) error {
	if ssid != "" {
		args := []string{"--wait", strconv.Itoa(int(s.ConnectWait / time.Second)), "device", "wifi", "connect", ssid}
		if password != "" {
			args = append(args, "password", password)
		}
		args = append(args, "ifname", s.Interface)
		if out, err := s.run(ctx, "nmcli", args...); err != nil {
			return fmt.Errorf("nmcli connect %q: %w (%s)", ssid, err, out)
		}
	}
	attempts := int(s.AddressWait / s.PollInterval)
	if err := poll.Until(ctx, s.clock, s.PollInterval, attempts, s.hasAddress); err != nil {
		return fmt.Errorf("wait for address on %s: %w", s.Interface, err)
	}
	return nil
}

func (s *Station) hasAddress() bool {
	addrs, err := s.addrs(s.Interface)
	if err != nil {
		s.l.Errorf("list addresses: %v", err)
		return false
	}
	for _, a := range addrs {
		if ip := Usable(a); ip != nil {
			s.l.Printf("address %v", ip)
			return true
		}
	}
	return false
}

// Usable returns the address's IP if it is an IPv4 address other hosts can reach, or nil.
func Usable(a net.Addr) net.IP {
	var ip net.IP
	switch a := a.(type) {
	case *net.IPNet:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return nil
	}
	ip = ip.To4()
	if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return nil
	}
	return ip
}

// Close abandons any association in progress and waits for it to exit.
func (s *Station) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.l.Finish()
}
