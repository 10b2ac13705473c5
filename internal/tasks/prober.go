// Package tasks hosts the client's periodic background workers.
package tasks

import (
	"log"
	"net/http"
	"strings"
	"time"

	"carepro-chat/internal/transport"

	"github.com/robfig/cron/v3"
)

const probeSchedule = "@every 2m"

// Prober checks whether the chat hub is reachable again while the
// transport has it latched unavailable. It never interferes with a
// healthy connection: probes are skipped unless the latch is set.
type Prober struct {
	rt       *transport.Client
	probeURL string
	http     *http.Client
	cron     *cron.Cron
}

func NewProber(rt *transport.Client, hubURL string) *Prober {
	return &Prober{
		rt:       rt,
		probeURL: probeURLFor(hubURL),
		http:     &http.Client{Timeout: 5 * time.Second},
		cron:     cron.New(),
	}
}

// probeURLFor maps the websocket hub URL onto its plain-HTTP endpoint.
func probeURLFor(hubURL string) string {
	probe := strings.Replace(hubURL, "wss://", "https://", 1)
	return strings.Replace(probe, "ws://", "http://", 1)
}

func (p *Prober) Start() {
	_, err := p.cron.AddFunc(probeSchedule, p.probe)
	if err != nil {
		log.Printf("[PROBE] Error scheduling availability probe: %v", err)
		return
	}
	p.cron.Start()
}

func (p *Prober) Stop() {
	p.cron.Stop()
}

func (p *Prober) probe() {
	if !p.rt.ServerUnavailable() {
		return
	}

	resp, err := p.http.Get(p.probeURL)
	if err != nil {
		log.Printf("[PROBE] Hub still unreachable: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500 {
		log.Printf("[PROBE] Hub answered %d; staying unavailable", resp.StatusCode)
		return
	}

	log.Printf("[PROBE] Hub reachable again (status %d); clearing unavailable latch", resp.StatusCode)
	p.rt.MarkServerAvailable()
}
