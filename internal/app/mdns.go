package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_fireguard._tcp"
	mdnsDomain      = "local."
	mdnsFallback    = "fireguard"
)

// startMDNS advertises the HTTP API so fire units and viewers on the LAN
// can find the server without configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = mdnsFallback
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("FireGuard (%s)", hostname))
	txt := mdnsTXT(port, a.mqttPort(), sanitizeMDNSHost(hostname))

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdnsMu.Lock()
	a.mdns = server
	a.mdnsMu.Unlock()
	a.logger.Info().Str("instance", instance).Int("port", port).Msg("mDNS advertisement started")
	return nil
}

func (a *App) stopMDNS() {
	a.mdnsMu.Lock()
	server := a.mdns
	a.mdns = nil
	a.mdnsMu.Unlock()

	if server == nil {
		return
	}
	server.Shutdown()
	a.logger.Info().Msg("mDNS advertisement stopped")
}

func mdnsTXT(httpPort, mqttPort int, host string) []string {
	if !strings.Contains(host, ".") {
		host += ".local"
	}
	txt := []string{
		fmt.Sprintf("http_port=%d", httpPort),
		"stream=/api/stream",
		"proto=v1",
		fmt.Sprintf("host=%s", host),
	}
	if mqttPort > 0 {
		txt = append(txt, fmt.Sprintf("mqtt_port=%d", mqttPort))
	}
	return txt
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "FireGuard"
	}
	return truncateRunes(cleaned, 63)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = mdnsFallback
	}
	// Host labels must be <=63 characters.
	return truncateRunes(cleaned, 63)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
