package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sebas/tandem/internal/banner"
	"github.com/sebas/tandem/internal/call"
	"github.com/sebas/tandem/internal/config"
	"github.com/sebas/tandem/internal/endpoint/local"
	"github.com/sebas/tandem/internal/endpoint/sip"
	"github.com/sebas/tandem/internal/logger"
	"github.com/sebas/tandem/internal/media/format"
	"github.com/sebas/tandem/internal/metrics"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	manager := call.NewManager()

	// Local legs answer as soon as they ring; they terminate media
	// in-process.
	localEP := local.NewEndpoint(manager,
		local.WithFormats(codecList(cfg.Codecs)),
		local.WithAutoAnswer(true),
	)
	manager.RegisterEndpoint(localEP)

	sipEP, err := sip.NewEndpoint(manager, sip.Config{
		BindAddr:      cfg.BindAddr,
		Port:          cfg.SIPPort,
		AdvertiseAddr: cfg.AdvertiseAddr,
		RTPPortMin:    cfg.RTPPortMin,
		RTPPortMax:    cfg.RTPPortMax,
		Formats:       codecList(cfg.Codecs),
	})
	if err != nil {
		slog.Error("Failed to create SIP endpoint", "error", err)
		os.Exit(1)
	}
	defer sipEP.Close()
	manager.RegisterEndpoint(sipEP)

	if cfg.MetricsAddr != "" {
		metrics.Register()
		metrics.StartServer(cfg.MetricsAddr)
	}

	run(manager, sipEP, cfg)
}

func run(manager *call.Manager, sipEP *sip.Endpoint, cfg *config.Config) {
	banner.Print("Tandem Telephony Daemon", []banner.ConfigLine{
		{Label: "SIP port", Value: fmt.Sprintf("%d", cfg.SIPPort)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Codecs", Value: strings.Join(cfg.Codecs, ", ")},
		{Label: "Metrics", Value: cfg.MetricsAddr},
		{Label: "Log level", Value: cfg.LogLevel},
	})
	logNetworkInterfaces()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start SIP listener
	go func() {
		if err := sipEP.Serve(ctx); err != nil && ctx.Err() == nil {
			slog.Error("SIP server error", "error", err)
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	manager.Shutdown()
	time.Sleep(1 * time.Second)
}

// codecList resolves configured codec names, falling back to PCMU and
// PCMA when none resolve.
func codecList(names []string) format.List {
	var l format.List
	for _, name := range names {
		if f, ok := format.ByName(name); ok {
			l.Add(f)
		} else {
			slog.Warn("Unknown codec in configuration", "codec", name)
		}
	}
	if len(l) == 0 {
		l = format.NewList(format.PCMU, format.PCMA)
	}
	return l
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
