package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/round-clock/control/clock"
	"github.com/jrockway/round-clock/control/config"
	"github.com/jrockway/round-clock/control/panel"
	"github.com/jrockway/round-clock/control/render"
	"github.com/jrockway/round-clock/control/screen"
	"github.com/jrockway/round-clock/control/segment"
	"github.com/jrockway/round-clock/control/status"
	"github.com/jrockway/round-clock/control/timesource"
	"github.com/jrockway/round-clock/control/timesync"
	"github.com/jrockway/round-clock/control/wifi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var (
	configPath = flag.String("config", "/etc/round-clock.toml", "path to the clock's configuration file")
	bind       = flag.String("bind", "", "address to bind for debug/metrics server; overrides the config file")
	headless   = flag.Bool("headless", false, "run without a display attached")
	spiSpeed   = flag.Int("spi_mhz", 40, "spi clock rate for the display, in MHz")
)

func openPanel(cfg config.Config) (*panel.Panel, error) {
	var bus conn.Conn
	if cfg.Spidev != "" {
		dev, err := panel.OpenSpidev(cfg.Spidev)
		if err != nil {
			return nil, fmt.Errorf("open spidev: %w", err)
		}
		bus = dev
	} else {
		port, err := spireg.Open(cfg.SPI)
		if err != nil {
			return nil, fmt.Errorf("open spi port %q: %w", cfg.SPI, err)
		}
		c, err := port.Connect(physic.Frequency(*spiSpeed)*physic.MegaHertz, spi.Mode0, 8)
		if err != nil {
			return nil, fmt.Errorf("connect to spi port %q: %w", cfg.SPI, err)
		}
		bus = c
	}

	dc := gpioreg.ByName(cfg.DCPin)
	if dc == nil {
		return nil, fmt.Errorf("no data/command pin %q", cfg.DCPin)
	}
	var reset panel.Pin
	if cfg.ResetPin != "" {
		p := gpioreg.ByName(cfg.ResetPin)
		if p == nil {
			return nil, fmt.Errorf("no reset pin %q", cfg.ResetPin)
		}
		reset = p
	}
	var backlight panel.PWMPin
	if cfg.BacklightPin != "" {
		p := gpioreg.ByName(cfg.BacklightPin)
		if p == nil {
			return nil, fmt.Errorf("no backlight pin %q", cfg.BacklightPin)
		}
		backlight = p
	}

	p := panel.New(bus, dc, reset, backlight, panel.DefaultConfig)
	if err := p.Init(); err != nil {
		return nil, fmt.Errorf("init panel: %w", err)
	}
	if backlight != nil {
		if err := p.SetBacklight(cfg.Backlight); err != nil {
			log.Printf("set initial backlight: %v", err)
		}
	}
	return p, nil
}

func main() {
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", *configPath, err)
	}
	if *bind != "" {
		cfg.Bind = *bind
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			log.Printf("interrupt")
			cancel()
		}
	}()

	// The panel, when there is one, is the screen's only user.
	var p *panel.Panel
	bounds := image.Rect(0, 0, panel.DefaultConfig.Width, panel.DefaultConfig.Height)
	var display *screen.Screen
	if *headless {
		display = screen.New(bounds, nil)
	} else {
		if _, err := host.Init(); err != nil {
			log.Fatalf("init periph.io: %v", err)
		}
		p, err = openPanel(cfg)
		if err != nil {
			log.Fatalf("open display: %v", err)
		}
		display = screen.New(p.Bounds(), p)
	}
	display.Blank()
	renderer := render.New(display, display.Bounds(), segment.DefaultLayout, render.DefaultPalette)

	monotonic := clockwork.NewRealClock()
	wall := timesync.NewClock()
	var syncClient timesource.SyncClient
	var chronyClient *timesync.Chrony
	switch cfg.Sync {
	case config.SyncChrony:
		chronyClient = timesync.NewChrony()
		syncClient = chronyClient
	default:
		syncClient = timesync.NewSNTP(wall)
	}
	station := wifi.NewStation(cfg.Interface)
	defer station.Close()

	sourceCfg := timesource.DefaultConfig
	sourceCfg.Location = cfg.Location
	source := timesource.New(sourceCfg, monotonic, wall, station, syncClient)
	defer source.Close()

	board := new(status.Board)
	var setBacklight func(pct int) error
	if p != nil {
		setBacklight = p.SetBacklight
	}
	cl := clock.New(monotonic, source, renderer, setBacklight)
	cl.OnFrame = func(wc timesource.WallClock) {
		attempt := source.Attempt()
		offset, steps := wall.Offset()
		s := status.Status{
			Now:      monotonic.Now(),
			Display:  wc,
			Sync:     source.State(),
			Link:     attempt.Outcome,
			Retries:  attempt.Retries,
			Endpoint: source.Endpoint(),
			Offset:   offset,
			Steps:    steps,
			Preview:  display.Preview(1),
		}
		if chronyClient != nil {
			if t, ok := chronyClient.Tracking(); ok {
				s.Tracking = &t
			}
		}
		board.Update(s)
	}

	http.Handle("/", board)
	http.Handle("/display.png", display)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/backlight", func(w http.ResponseWriter, req *http.Request) {
		pct, err := strconv.Atoi(req.FormValue("pct"))
		if err != nil {
			http.Error(w, fmt.Sprintf("parse pct: %v", err), http.StatusBadRequest)
			return
		}
		select {
		case cl.BacklightCh <- config.ClampBacklight(pct):
			fmt.Fprintf(w, "backlight set to %d%%\n", config.ClampBacklight(pct))
		case <-req.Context().Done():
			http.Error(w, "clock loop busy", http.StatusServiceUnavailable)
		}
	})

	httpDoneCh := make(chan error)
	httpServer := http.Server{Addr: cfg.Bind}
	go func() {
		log.Printf("http server listening on %s", httpServer.Addr)
		err := httpServer.ListenAndServe()
		select {
		case httpDoneCh <- err:
		case <-ctx.Done():
		}
		close(httpDoneCh)
	}()

	// Show the fallback clock while the network comes up.
	cl.Show()
	if outcome := source.Connect(ctx, cfg.SSID, cfg.Password); outcome == timesource.OutcomeConnected {
		if err := source.SyncTime(ctx, timesource.DefaultServers); err != nil {
			log.Printf("time sync: %v; using the fallback clock", err)
		}
	} else {
		log.Printf("network %v; using the fallback clock", outcome)
	}

	loopDoneCh := make(chan error)
	go func() {
		err := cl.Run(ctx)
		select {
		case loopDoneCh <- err:
		case <-ctx.Done():
		}
		close(loopDoneCh)
	}()

	httpAlive := true
	select {
	case err := <-httpDoneCh:
		log.Printf("http server died: %v", err)
		httpAlive = false
	case err := <-loopDoneCh:
		log.Printf("clock loop died: %v", err)
	case <-ctx.Done():
	}
	signal.Stop(sigCh)
	close(sigCh)
	cancel()
	// Wait for the loop to let go of the display before blanking it.
	if err, ok := <-loopDoneCh; ok && err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("clock loop: %v", err)
	}
	display.Blank()
	if p != nil {
		if err := p.Off(); err != nil {
			log.Printf("turn display off: %v", err)
		}
	}
	if httpAlive {
		tctx, c := context.WithTimeout(context.Background(), time.Second)
		httpServer.Shutdown(tctx)
		c()
	}
	os.Exit(1)
}
