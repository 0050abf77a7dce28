package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"pulselink/internal/domain"
)

const (
	mdnsServiceType    = "_pulselink._tcp"
	mdnsDomain         = "local."
	defaultScanTimeout = 5 * time.Second
)

// Discoverer finds ECG bridges on the local network via mDNS/DNS-SD. Bridges
// advertise themselves under _pulselink._tcp with their websocket path and
// sample rate in TXT records.
type Discoverer struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewDiscoverer creates a Discoverer. timeout <= 0 uses the default.
func NewDiscoverer(timeout time.Duration, logger *slog.Logger) *Discoverer {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	return &Discoverer{timeout: timeout, logger: logger}
}

// Scan browses for bridges until the scan timeout elapses.
func (d *Discoverer) Scan(ctx context.Context) ([]domain.Device, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var devices []domain.Device
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			dev := entryToDevice(entry)
			mu.Lock()
			devices = append(devices, dev)
			mu.Unlock()
			d.logger.Debug("mdns discovered bridge", "id", dev.ID, "address", dev.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		// Wait for consumer goroutine to drain the channel before returning.
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	result := make([]domain.Device, len(devices))
	copy(result, devices)
	mu.Unlock()

	return result, nil
}

// entryToDevice converts an mDNS service entry to a Device whose ID is the
// bridge's websocket URL, ready to pass to Connect.
func entryToDevice(entry *zeroconf.ServiceEntry) domain.Device {
	var host string
	if len(entry.AddrIPv4) > 0 {
		host = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		host = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}

	meta := parseTXTRecords(entry.Text)
	path := meta["path"]
	if path == "" {
		path = "/"
	}
	url := "ws://" + host + path

	sampleRate := 0
	fmt.Sscanf(meta["sample_rate"], "%d", &sampleRate)

	name := entry.ServiceRecord.Instance
	if name == "" {
		name = "ECG bridge"
	}

	return domain.Device{
		ID:         url,
		Name:       name,
		Address:    host,
		Firmware:   meta["firmware"],
		SampleRate: sampleRate,
		Status:     domain.DeviceDisconnected,
		LastSeenAt: time.Now(),
	}
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		parts := strings.SplitN(t, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}
