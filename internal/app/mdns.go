package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_maintdesk._tcp"
	mdnsDomain      = "local."
	mdnsFallback    = "maintdesk"
)

// startMDNS advertises the HTTP API so kiosks on the building LAN can find it.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = mdnsFallback
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Maintdesk Tickets (%s)", hostname))
	hostFQDN := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, a.mdnsTXT(port, hostFQDN), nil)
	if err != nil {
		return fmt.Errorf("register mdns: %w", err)
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) mdnsTXT(port int, host string) []string {
	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		"proto=v1",
		fmt.Sprintf("host=%s", host),
		fmt.Sprintf("queue=%s", a.cfg.QueueBackend),
	}
	if a.cfg.MetricsPort > 0 {
		txt = append(txt, fmt.Sprintf("metrics_port=%d", a.cfg.MetricsPort))
	}
	return txt
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "Maintdesk Tickets"
	}
	return truncateLabel(cleaned)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = mdnsFallback
	}
	return truncateLabel(cleaned)
}

// DNS labels are capped at 63 octets.
func truncateLabel(s string) string {
	runes := []rune(s)
	if len(runes) > 63 {
		return string(runes[:63])
	}
	return s
}
