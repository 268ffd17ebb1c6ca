// Package status renders the debug server's index page: what the clock is showing, where the time
// came from, and a picture of the display.
package status

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"image"
	"image/png"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
	"github.com/jrockway/round-clock/control/timesource"
	"github.com/jrockway/round-clock/control/timesync"
)

var (
	//go:embed index.html.tmpl
	indexHTML string
	funcMap   = template.FuncMap{
		"unixtime":   formatUnixTime,
		"refid":      timesync.FormatRefID,
		"duration":   formatDuration,
		"leap":       formatLeap,
		"correction": formatCorrection,
		"freq":       formatFreq,
		"image":      formatImage,
	}
	index = template.Must(template.New("index").Funcs(funcMap).Parse(indexHTML))
)

// Status is a snapshot of the clock's state.
type Status struct {
	Now      time.Time
	Display  timesource.WallClock
	Sync     timesource.SyncState
	Link     timesource.Outcome
	Retries  int
	Endpoint string
	// Offset and Steps describe the SNTP client's corrections to the system clock.
	Offset time.Duration
	Steps  int
	// Tracking is chronyd's last report, when chronyd is the sync client.
	Tracking *chrony.Tracking
	Preview  image.Image
}

// Board holds the latest Status for the debug server.  The main loop publishes to it; HTTP
// handlers read it.
type Board struct {
	mu     sync.RWMutex
	status Status
}

// Update replaces the snapshot.  A nil Tracking or Preview keeps the previous one.
func (b *Board) Update(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.Tracking == nil {
		s.Tracking = b.status.Tracking
	}
	if s.Preview == nil {
		s.Preview = b.status.Preview
	}
	b.status = s
}

// Snapshot returns the current Status.
func (b *Board) Snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// ServeHTTP renders the index page.
func (b *Board) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := b.Snapshot()
	buf := new(bytes.Buffer)
	if err := index.Execute(buf, s); err != nil {
		log.Printf("execute template: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func formatUnixTime(t time.Time) string { return t.In(time.UTC).Format(time.UnixDate) }

func formatDuration(x float64) string {
	d := time.Duration(x * 1e9)
	return d.String()
}

func formatLeap(x uint16) string {
	// From chrony/client.c and chrony/ntp.h
	switch x {
	case 0:
		return "Normal"
	case 1:
		return "Insert second"
	case 2:
		return "Delete second"
	case 3:
		return "Unsynchronized"
	default:
		return fmt.Sprintf("Invalid (%v)", x)
	}
}

func formatCorrection(x float64) string {
	var fast string
	if x < 0 {
		x = -x
		fast = "fast"
	} else {
		fast = "slow"
	}
	return fmt.Sprintf("%s %s of NTP time", time.Duration(x*1e9).String(), fast)
}

func formatFreq(x float64) string {
	var fast string
	if x < 0 {
		x = -x
		fast = "slow"
	} else {
		fast = "fast"
	}
	return fmt.Sprintf("%.3f ppm %s", x, fast)
}

func formatImage(src image.Image) template.URL {
	if src == nil {
		src = image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, src); err != nil {
		log.Printf("problem encoding image: %v", err)
		return template.URL("data:text/plain,error")
	}
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()))
}
