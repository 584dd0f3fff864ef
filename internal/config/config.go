// Package config loads the daemon configuration from command line
// flags and environment variables.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds the tandem daemon configuration
type Config struct {
	// SIP settings
	SIPPort       int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers and SDP
	LogLevel      string

	// RTP settings
	RTPPortMin int
	RTPPortMax int

	// Codecs lists the audio codecs offered, most preferred first
	Codecs []string

	// MetricsAddr is where the Prometheus /metrics endpoint listens,
	// empty to disable
	MetricsAddr string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	// Define flags
	flag.IntVar(&cfg.SIPPort, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.RTPPortMin, "rtp-min", 10000, "Lowest RTP port")
	flag.IntVar(&cfg.RTPPortMax, "rtp-max", 20000, "Highest RTP port")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9091", "Prometheus metrics listen address (empty to disable)")

	var codecs string
	flag.StringVar(&codecs, "codecs", "PCMU,PCMA", "Audio codecs to offer (comma-separated, most preferred first)")

	flag.Parse()

	cfg.Codecs = parseCodecList(codecs)

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SIPPort = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	}
	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if rtpMin := os.Getenv("RTP_PORT_MIN"); rtpMin != "" {
		if p, err := strconv.Atoi(rtpMin); err == nil {
			cfg.RTPPortMin = p
		}
	}
	if rtpMax := os.Getenv("RTP_PORT_MAX"); rtpMax != "" {
		if p, err := strconv.Atoi(rtpMax); err == nil {
			cfg.RTPPortMax = p
		}
	}
	if codecEnv := os.Getenv("CODECS"); codecEnv != "" {
		cfg.Codecs = parseCodecList(codecEnv)
	}
	if metrics := os.Getenv("METRICS_ADDR"); metrics != "" {
		cfg.MetricsAddr = metrics
	}

	return cfg
}

// parseCodecList parses a comma-separated list of codec names
func parseCodecList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			names = append(names, p)
		}
	}
	return names
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	// Check if it's a valid IP address
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	// Try to resolve as hostname
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
