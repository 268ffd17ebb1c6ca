// Package timesource decides what time the clock shows.  It brings up the network link, asks a
// list of time servers until one answers, and watches the result for plausibility.  When any of
// that fails it counts time since boot instead.
package timesource

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/round-clock/control/poll"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	syncStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timesource_sync_state",
		Help: "current sync state (0 unsynced, 1 syncing, 2 synced, 3 stale)",
	})

	connectOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timesource_connect_outcomes",
		Help: "count of terminal connection outcomes",
	}, []string{"outcome"})

	reassociations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timesource_reassociations",
		Help: "count of association retries after a disconnect",
	})

	syncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timesource_sync_attempts",
		Help: "count of sync attempts, by endpoint",
	}, []string{"endpoint"})

	endpointFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timesource_endpoint_failures",
		Help: "count of sync attempts that ran out of time or could not start, by endpoint",
	}, []string{"endpoint"})

	staleDemotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timesource_stale_demotions",
		Help: "count of times a synced clock was found implausible and abandoned",
	})
)

// ErrSyncFailed is returned by SyncTime when no endpoint produced a usable time.
var ErrSyncFailed = errors.New("no time server could be synced")

// DefaultServers are the time servers tried, in order.
var DefaultServers = []string{
	"pool.ntp.org",
	"time.google.com",
	"time.cloudflare.com",
	"time.windows.com",
}

// Link is the network interface the source associates over.  Start and Associate only kick off
// work; progress is reported on Events.
type Link interface {
	Start(ctx context.Context, ssid, password string) error
	Associate(ctx context.Context) error
	Events() <-chan Event
}

// SyncClient adjusts the system clock from a time server.
type SyncClient interface {
	// Restart abandons any exchange in progress and begins syncing against server.
	Restart(server string) error
	// Completed reports whether the client has set the clock since the last Restart.
	Completed() bool
	// Stop abandons any exchange in progress.
	Stop()
}

// SystemClock is the clock that SyncClient adjusts.
type SystemClock interface {
	Now() time.Time
}

// Config holds the timing bounds of the source.
type Config struct {
	MaxRetries     int           // reassociations allowed after the first disconnect
	ConnectTimeout time.Duration // bound on the whole Connect call
	PollInterval   time.Duration // time between sync checks
	PollAttempts   int           // sync checks per endpoint
	PlausibleYear  int           // readings from before this year are not trusted
	Location       *time.Location
}

// DefaultConfig is the configuration the clock ships with.
var DefaultConfig = Config{
	MaxRetries:     10,
	ConnectTimeout: 20 * time.Second,
	PollInterval:   500 * time.Millisecond,
	PollAttempts:   50,
	PlausibleYear:  2024,
	Location:       time.UTC,
}

// Source arbitrates between network time and the fallback clock.  It is owned by a single
// goroutine.
type Source struct {
	cfg   Config
	clock clockwork.Clock // monotonic, for timeouts and the fallback clock
	wall  SystemClock
	link  Link
	sync  SyncClient
	boot  time.Time
	l     trace.EventLog

	state    SyncState
	attempt  *ConnectionAttempt
	outcome  Outcome // last terminal connect outcome
	retries  int     // retries used by the finished attempt
	endpoint string  // endpoint that produced the sync
	synced   bool    // SyncTime has run
	syncErr  error
}

// New returns a Source that counts fallback time from now.  link may be nil if the board has no
// network to bring up.
func New(cfg Config, clock clockwork.Clock, wall SystemClock, link Link, sync SyncClient) *Source {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Source{
		cfg:   cfg,
		clock: clock,
		wall:  wall,
		link:  link,
		sync:  sync,
		boot:  clock.Now(),
		l:     trace.NewEventLog("timesource", "Source"),
	}
	s.setState(Unsynced)
	return s
}

// Close finishes the source's event log.
func (s *Source) Close() {
	s.l.Finish()
}

// State returns the current sync state.
func (s *Source) State() SyncState {
	return s.state
}

// Endpoint returns the server that produced the current sync, or "" if unsynced.
func (s *Source) Endpoint() string {
	if s.state != Synced {
		return ""
	}
	return s.endpoint
}

// Attempt returns the in-progress or most recent connection attempt.
func (s *Source) Attempt() ConnectionAttempt {
	if s.attempt == nil {
		return ConnectionAttempt{Retries: s.retries, Outcome: s.outcome}
	}
	return *s.attempt
}

func (s *Source) setState(state SyncState) {
	if state != s.state {
		s.l.Printf("sync state %v -> %v", s.state, state)
	}
	s.state = state
	syncStateGauge.Set(float64(state))
}

// Connect brings up the link and waits for an address.  Each disconnect triggers a new
// association until MaxRetries reassociations have been used; the next disconnect fails the
// attempt.  The whole call is bounded by ConnectTimeout.
//
// Once an attempt reaches a terminal outcome, later calls return that outcome without touching
// the link.
func (s *Source) Connect(ctx context.Context, ssid, password string) Outcome {
	if s.outcome.Terminal() {
		s.l.Printf("connect: already finished with %v; not retrying", s.outcome)
		return s.outcome
	}
	if s.link == nil {
		return s.finish(OutcomeFailed, errors.New("no network link configured"))
	}

	s.attempt = &ConnectionAttempt{Outcome: OutcomePending}
	timeout := s.clock.After(s.cfg.ConnectTimeout)
	if err := s.link.Start(ctx, ssid, password); err != nil {
		return s.finish(OutcomeFailed, fmt.Errorf("start link: %w", err))
	}
	s.l.Printf("link started for %q; waiting up to %v", ssid, s.cfg.ConnectTimeout)

	for {
		select {
		case <-ctx.Done():
			return s.finish(OutcomeFailed, fmt.Errorf("wait for link: %w", ctx.Err()))
		case <-timeout:
			return s.finish(OutcomeTimedOut, fmt.Errorf("no address after %v", s.cfg.ConnectTimeout))
		case ev := <-s.link.Events():
			s.l.Printf("link event: %v (retries %d)", ev, s.attempt.Retries)
			switch ev {
			case EventStarted:
				if err := s.associate(ctx); err != nil {
					return s.finish(OutcomeFailed, err)
				}
			case EventDisconnected:
				if err := s.reassociate(ctx); err != nil {
					return s.finish(OutcomeFailed, err)
				}
			case EventGotAddress:
				return s.finish(OutcomeConnected, nil)
			}
		}
	}
}

// associate asks the link to associate, retrying immediately on errors while the retry budget
// lasts.
func (s *Source) associate(ctx context.Context) error {
	for {
		err := s.link.Associate(ctx)
		if err == nil {
			return nil
		}
		s.l.Errorf("associate: %v", err)
		if s.attempt.Retries >= s.cfg.MaxRetries {
			return fmt.Errorf("associate: giving up after %d retries: %w", s.attempt.Retries, err)
		}
		s.attempt.Retries++
		reassociations.Inc()
	}
}

func (s *Source) reassociate(ctx context.Context) error {
	if s.attempt.Retries >= s.cfg.MaxRetries {
		return fmt.Errorf("disconnected after %d retries", s.attempt.Retries)
	}
	s.attempt.Retries++
	reassociations.Inc()
	return s.associate(ctx)
}

func (s *Source) finish(o Outcome, err error) Outcome {
	if s.attempt != nil {
		s.retries = s.attempt.Retries
		log.Printf("network link %v after %d retries", o, s.attempt.Retries)
	} else {
		log.Printf("network link %v", o)
	}
	if err != nil {
		log.Printf("network link: %v", err)
		s.l.Errorf("connect: %v: %v", o, err)
	}
	s.outcome = o
	s.attempt = nil
	connectOutcomes.WithLabelValues(o.String()).Inc()
	return o
}

// plausible reports whether the system clock reads a year that could be real.
func (s *Source) plausible() bool {
	return s.wall.Now().Year() >= s.cfg.PlausibleYear
}

// SyncTime asks each server in turn to set the system clock.  Each server gets PollAttempts
// checks, PollInterval apart; the attempt succeeds when the sync client reports completion or the
// system clock becomes plausible.  If no server succeeds the source stays on the fallback clock
// and ErrSyncFailed is returned.
//
// SyncTime runs at most once per Source; later calls return the first call's result.
func (s *Source) SyncTime(ctx context.Context, servers []string) error {
	if s.synced {
		return s.syncErr
	}
	s.synced = true
	s.syncErr = s.syncTime(ctx, servers)
	return s.syncErr
}

func (s *Source) syncTime(ctx context.Context, servers []string) error {
	if s.sync == nil {
		return fmt.Errorf("%w: no sync client configured", ErrSyncFailed)
	}
	s.setState(Syncing)
	cond := poll.Any(s.sync.Completed, s.plausible)
	for i, server := range servers {
		syncAttempts.WithLabelValues(server).Inc()
		s.l.Printf("endpoint %d/%d: %s", i+1, len(servers), server)
		if err := s.sync.Restart(server); err != nil {
			endpointFailures.WithLabelValues(server).Inc()
			log.Printf("time sync: start %s: %v", server, err)
			s.l.Errorf("start %s: %v", server, err)
			continue
		}
		err := poll.Until(ctx, s.clock, s.cfg.PollInterval, s.cfg.PollAttempts, cond)
		if err == nil {
			s.endpoint = server
			s.setState(Synced)
			log.Printf("time synced via %s: %s", server, s.wall.Now().In(s.cfg.Location).Format(time.RFC3339))
			return nil
		}
		endpointFailures.WithLabelValues(server).Inc()
		if !errors.Is(err, poll.ErrExhausted) {
			s.sync.Stop()
			s.setState(Unsynced)
			return fmt.Errorf("sync against %s: %w", server, err)
		}
		log.Printf("time sync: no answer from %s within %v", server, time.Duration(s.cfg.PollAttempts)*s.cfg.PollInterval)
		s.l.Errorf("%s: %v", server, err)
	}
	s.sync.Stop()
	s.setState(Unsynced)
	return fmt.Errorf("%w: tried %d endpoints", ErrSyncFailed, len(servers))
}

// Sample returns the time to display now.  A synced source reads the system clock in the
// configured location; if that reading is implausible the source becomes stale and uses the
// fallback clock from then on.
func (s *Source) Sample() WallClock {
	if s.state == Synced {
		if s.plausible() {
			return FromTime(s.wall.Now().In(s.cfg.Location))
		}
		s.setState(Stale)
		staleDemotions.Inc()
		log.Printf("system clock reads %v, before %d; falling back to time since boot", s.wall.Now().Year(), s.cfg.PlausibleYear)
	}
	return Fallback(s.clock.Since(s.boot))
}
