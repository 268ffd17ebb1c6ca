package timesource

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/round-clock/control/internal/clocktest"
	"github.com/jrockway/round-clock/control/segment"
)

var (
	boot        = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	implausible = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
)

func TestDigits(t *testing.T) {
	testData := []struct {
		w    WallClock
		want [segment.Slots]int
	}{
		{WallClock{Hour: 7, Minute: 5, Second: 9}, [segment.Slots]int{0, 7, 0, 5, 0, 9}},
		{WallClock{Hour: 23, Minute: 59, Second: 59}, [segment.Slots]int{2, 3, 5, 9, 5, 9}},
		{WallClock{}, [segment.Slots]int{0, 0, 0, 0, 0, 0}},
	}
	for _, test := range testData {
		if got, want := test.w.Digits(), test.want; got != want {
			t.Errorf("digits of %v:\n  got: %v\n want: %v", test.w, got, want)
		}
	}
}

func TestFallback(t *testing.T) {
	testData := []struct {
		elapsed time.Duration
		want    WallClock
	}{
		{0, WallClock{}},
		{59 * time.Second, WallClock{Second: 59}},
		{3661 * time.Second, WallClock{Hour: 1, Minute: 1, Second: 1}},
		{86400 * time.Second, WallClock{}},
		{86399*time.Second + 999*time.Millisecond, WallClock{Hour: 23, Minute: 59, Second: 59}},
		{3*86400*time.Second + 45296*time.Second, WallClock{Hour: 12, Minute: 34, Second: 56}},
		{-time.Second, WallClock{}},
	}
	for _, test := range testData {
		if got, want := Fallback(test.elapsed), test.want; got != want {
			t.Errorf("fallback for %v:\n  got: %v\n want: %v", test.elapsed, got, want)
		}
	}
}

// wallClock is a settable system clock.
type wallClock struct{ t time.Time }

func (w *wallClock) Now() time.Time { return w.t }

// syncClient is a SyncClient that completes when told to, or sets the wall clock after a number
// of checks.
type syncClient struct {
	restarts  []string
	checks    int
	stopped   bool
	completes func(server string, checks int) bool
	err       map[string]error
}

func (c *syncClient) Restart(server string) error {
	c.restarts = append(c.restarts, server)
	c.checks = 0
	return c.err[server]
}

func (c *syncClient) Completed() bool {
	c.checks++
	if c.completes == nil {
		return false
	}
	return c.completes(c.restarts[len(c.restarts)-1], c.checks)
}

func (c *syncClient) Stop() { c.stopped = true }

func TestSyncTimeExhaustsEveryEndpoint(t *testing.T) {
	clock := clocktest.NewInstant(boot)
	client := &syncClient{}
	s := New(DefaultConfig, clock, &wallClock{t: implausible}, nil, client)

	err := s.SyncTime(context.Background(), DefaultServers)
	if !errors.Is(err, ErrSyncFailed) {
		t.Fatalf("sync error:\n  got: %v\n want: %v", err, ErrSyncFailed)
	}
	if got, want := fmt.Sprint(client.restarts), fmt.Sprint(DefaultServers); got != want {
		t.Errorf("endpoints tried:\n  got: %v\n want: %v", got, want)
	}
	if got, want := len(clock.Waited()), 4*50; got != want {
		t.Errorf("poll intervals waited:\n  got: %v\n want: %v", got, want)
	}
	if got, want := clock.Total(), 4*25*time.Second; got != want {
		t.Errorf("total time spent:\n  got: %v\n want: %v", got, want)
	}
	if !client.stopped {
		t.Error("sync client not stopped after giving up")
	}
	if got, want := s.State(), Unsynced; got != want {
		t.Errorf("state:\n  got: %v\n want: %v", got, want)
	}
	if w := s.Sample(); w.Valid {
		t.Errorf("sample after failed sync is valid: %v", w)
	}
}

func TestSyncTimeCompletes(t *testing.T) {
	clock := clocktest.NewInstant(boot)
	client := &syncClient{completes: func(server string, checks int) bool {
		return server == "time.google.com" && checks == 3
	}}
	s := New(DefaultConfig, clock, &wallClock{t: implausible}, nil, client)

	if err := s.SyncTime(context.Background(), DefaultServers); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got, want := fmt.Sprint(client.restarts), "[pool.ntp.org time.google.com]"; got != want {
		t.Errorf("endpoints tried:\n  got: %v\n want: %v", got, want)
	}
	if got, want := clock.Total(), 25*time.Second+1500*time.Millisecond; got != want {
		t.Errorf("time spent:\n  got: %v\n want: %v", got, want)
	}
	if got, want := s.State(), Synced; got != want {
		t.Errorf("state:\n  got: %v\n want: %v", got, want)
	}
	if got, want := s.Endpoint(), "time.google.com"; got != want {
		t.Errorf("endpoint:\n  got: %v\n want: %v", got, want)
	}
	if client.stopped {
		t.Error("sync client stopped after success")
	}
}

func TestSyncTimePlausibleClock(t *testing.T) {
	clock := clocktest.NewInstant(boot)
	wall := &wallClock{t: implausible}
	client := &syncClient{completes: func(server string, checks int) bool {
		// Something else set the clock, but the client never noticed.
		if checks == 10 {
			wall.t = time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
		}
		return false
	}}
	s := New(DefaultConfig, clock, wall, nil, client)
	if err := s.SyncTime(context.Background(), DefaultServers); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got, want := len(client.restarts), 1; got != want {
		t.Errorf("endpoints tried:\n  got: %v\n want: %v", got, want)
	}
	if got, want := s.Sample(), (WallClock{Hour: 3, Minute: 4, Second: 5, Valid: true}); got != want {
		t.Errorf("sample:\n  got: %v\n want: %v", got, want)
	}
}

func TestSyncTimeSkipsEndpointThatWontStart(t *testing.T) {
	clock := clocktest.NewInstant(boot)
	client := &syncClient{
		err:       map[string]error{"pool.ntp.org": errors.New("no such host")},
		completes: func(string, int) bool { return true },
	}
	s := New(DefaultConfig, clock, &wallClock{t: implausible}, nil, client)
	if err := s.SyncTime(context.Background(), DefaultServers); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got, want := s.Endpoint(), "time.google.com"; got != want {
		t.Errorf("endpoint:\n  got: %v\n want: %v", got, want)
	}
	if got, want := clock.Total(), 500*time.Millisecond; got != want {
		t.Errorf("time spent:\n  got: %v\n want: %v", got, want)
	}
}

func TestSyncTimeRunsOnce(t *testing.T) {
	clock := clocktest.NewInstant(boot)
	client := &syncClient{}
	s := New(DefaultConfig, clock, &wallClock{t: implausible}, nil, client)
	first := s.SyncTime(context.Background(), DefaultServers)
	client.completes = func(string, int) bool { return true }
	second := s.SyncTime(context.Background(), DefaultServers)
	if first == nil || second != first {
		t.Errorf("second sync:\n  got: %v\n want: %v", second, first)
	}
	if got, want := len(client.restarts), 4; got != want {
		t.Errorf("restarts:\n  got: %v\n want: %v", got, want)
	}
}

func TestSampleDemotesImplausibleClock(t *testing.T) {
	clock := clocktest.NewInstant(boot)
	wall := &wallClock{t: time.Date(2024, time.May, 5, 13, 14, 15, 0, time.UTC)}
	client := &syncClient{completes: func(string, int) bool { return true }}
	s := New(DefaultConfig, clock, wall, nil, client)
	if err := s.SyncTime(context.Background(), DefaultServers); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got, want := s.Sample(), (WallClock{Hour: 13, Minute: 14, Second: 15, Valid: true}); got != want {
		t.Errorf("synced sample:\n  got: %v\n want: %v", got, want)
	}

	wall.t = implausible
	elapsed := clock.Since(boot)
	if got, want := s.Sample(), Fallback(elapsed); got != want {
		t.Errorf("sample after clock regressed:\n  got: %v\n want: %v", got, want)
	}
	if got, want := s.State(), Stale; got != want {
		t.Errorf("state:\n  got: %v\n want: %v", got, want)
	}

	// A plausible clock again does not bring the source back.
	wall.t = time.Date(2024, time.May, 5, 13, 20, 0, 0, time.UTC)
	clock.Advance(time.Hour)
	if got, want := s.Sample(), Fallback(elapsed+time.Hour); got != want {
		t.Errorf("sample after clock recovered:\n  got: %v\n want: %v", got, want)
	}
	if got, want := len(client.restarts), 1; got != want {
		t.Errorf("restarts:\n  got: %v\n want: %v", got, want)
	}
}

func TestSampleLocation(t *testing.T) {
	clock := clocktest.NewInstant(boot)
	cfg := DefaultConfig
	cfg.Location = time.FixedZone("UTC+05:30", 5*3600+30*60)
	s := New(cfg, clock, &wallClock{t: time.Date(2024, time.May, 5, 20, 0, 0, 0, time.UTC)}, nil, &syncClient{completes: func(string, int) bool { return true }})
	if err := s.SyncTime(context.Background(), DefaultServers); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got, want := s.Sample(), (WallClock{Hour: 1, Minute: 30, Valid: true}); got != want {
		t.Errorf("sample:\n  got: %v\n want: %v", got, want)
	}
}

func TestFallbackSample(t *testing.T) {
	clock := clockwork.NewFakeClockAt(boot)
	s := New(DefaultConfig, clock, &wallClock{t: implausible}, nil, &syncClient{})
	clock.Advance(3661 * time.Second)
	if got, want := s.Sample(), (WallClock{Hour: 1, Minute: 1, Second: 1}); got != want {
		t.Errorf("sample:\n  got: %v\n want: %v", got, want)
	}
}

// link is a scripted Link.  Each Start or Associate call pops the next scripted reaction and
// sends its events.
type link struct {
	events     chan Event
	starts     int
	associates int
	onStart    []Event
	onAssoc    func(n int) []Event
	assocErr   func(n int) error
}

func newLink() *link {
	return &link{events: make(chan Event, 100)}
}

func (l *link) Start(ctx context.Context, ssid, password string) error {
	l.starts++
	for _, e := range l.onStart {
		l.events <- e
	}
	return nil
}

func (l *link) Associate(ctx context.Context) error {
	l.associates++
	if l.assocErr != nil {
		if err := l.assocErr(l.associates); err != nil {
			return err
		}
	}
	if l.onAssoc != nil {
		for _, e := range l.onAssoc(l.associates) {
			l.events <- e
		}
	}
	return nil
}

func (l *link) Events() <-chan Event { return l.events }

func TestConnect(t *testing.T) {
	testData := []struct {
		name        string
		onAssoc     func(n int) []Event
		assocErr    func(n int) error
		want        Outcome
		wantAssocs  int
		wantRetries int
	}{
		{
			name:       "first try",
			onAssoc:    func(int) []Event { return []Event{EventGotAddress} },
			want:       OutcomeConnected,
			wantAssocs: 1,
		},
		{
			name: "third try",
			onAssoc: func(n int) []Event {
				if n < 3 {
					return []Event{EventDisconnected}
				}
				return []Event{EventGotAddress}
			},
			want:        OutcomeConnected,
			wantAssocs:  3,
			wantRetries: 2,
		},
		{
			name: "last retry",
			onAssoc: func(n int) []Event {
				if n <= 10 {
					return []Event{EventDisconnected}
				}
				return []Event{EventGotAddress}
			},
			want:        OutcomeConnected,
			wantAssocs:  11,
			wantRetries: 10,
		},
		{
			name:        "retries exhausted",
			onAssoc:     func(int) []Event { return []Event{EventDisconnected} },
			want:        OutcomeFailed,
			wantAssocs:  11,
			wantRetries: 10,
		},
		{
			name: "associate errors count as retries",
			assocErr: func(n int) error {
				if n < 4 {
					return errors.New("device busy")
				}
				return nil
			},
			onAssoc:     func(int) []Event { return []Event{EventGotAddress} },
			want:        OutcomeConnected,
			wantAssocs:  4,
			wantRetries: 3,
		},
		{
			name:        "associate never works",
			assocErr:    func(int) error { return errors.New("no such device") },
			want:        OutcomeFailed,
			wantAssocs:  11,
			wantRetries: 10,
		},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			l := newLink()
			l.onStart = []Event{EventStarted}
			l.onAssoc = test.onAssoc
			l.assocErr = test.assocErr
			s := New(DefaultConfig, clockwork.NewFakeClockAt(boot), &wallClock{t: implausible}, l, &syncClient{})

			if got, want := s.Connect(context.Background(), "ssid", "password"), test.want; got != want {
				t.Errorf("outcome:\n  got: %v\n want: %v", got, want)
			}
			if got, want := l.associates, test.wantAssocs; got != want {
				t.Errorf("associations:\n  got: %v\n want: %v", got, want)
			}
			if got, want := s.Attempt(), (ConnectionAttempt{Retries: test.wantRetries, Outcome: test.want}); got != want {
				t.Errorf("attempt after connect:\n  got: %v\n want: %v", got, want)
			}
		})
	}
}

func TestConnectTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClockAt(boot)
	l := newLink()
	l.onStart = []Event{EventStarted}
	associated := make(chan struct{})
	l.onAssoc = func(int) []Event {
		close(associated)
		return nil
	}
	s := New(DefaultConfig, clock, &wallClock{t: implausible}, l, &syncClient{})

	go func() {
		<-associated
		clock.BlockUntil(1)
		clock.Advance(19 * time.Second)
		clock.Advance(time.Second)
	}()
	if got, want := s.Connect(context.Background(), "ssid", "password"), OutcomeTimedOut; got != want {
		t.Errorf("outcome:\n  got: %v\n want: %v", got, want)
	}
	if got, want := l.associates, 1; got != want {
		t.Errorf("associations:\n  got: %v\n want: %v", got, want)
	}
}

func TestConnectIsTerminal(t *testing.T) {
	l := newLink()
	l.onStart = []Event{EventStarted}
	l.onAssoc = func(int) []Event { return []Event{EventDisconnected} }
	s := New(DefaultConfig, clockwork.NewFakeClockAt(boot), &wallClock{t: implausible}, l, &syncClient{})
	if got, want := s.Connect(context.Background(), "ssid", "password"), OutcomeFailed; got != want {
		t.Fatalf("first connect:\n  got: %v\n want: %v", got, want)
	}
	l.onAssoc = func(int) []Event { return []Event{EventGotAddress} }
	if got, want := s.Connect(context.Background(), "ssid", "password"), OutcomeFailed; got != want {
		t.Errorf("second connect:\n  got: %v\n want: %v", got, want)
	}
	if got, want := l.starts, 1; got != want {
		t.Errorf("link starts:\n  got: %v\n want: %v", got, want)
	}
}

func TestConnectWithoutLink(t *testing.T) {
	s := New(DefaultConfig, clockwork.NewFakeClockAt(boot), &wallClock{t: implausible}, nil, &syncClient{})
	if got, want := s.Connect(context.Background(), "", ""), OutcomeFailed; got != want {
		t.Errorf("outcome:\n  got: %v\n want: %v", got, want)
	}
}

func TestStrings(t *testing.T) {
	testData := []struct {
		got  fmt.Stringer
		want string
	}{
		{Stale, "stale"},
		{SyncState(9), "SyncState(9)"},
		{EventGotAddress, "got address"},
		{OutcomeTimedOut, "timed out"},
		{WallClock{Hour: 7, Minute: 5, Second: 9}, "07:05:09"},
	}
	for _, test := range testData {
		if got, want := test.got.String(), test.want; got != want {
			t.Errorf("string:\n  got: %v\n want: %v", got, want)
		}
	}
}
