package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"hapkit/config"
	"hapkit/dnssd"
	"hapkit/event"
	"hapkit/pairing"
	"hapkit/server"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the accessory and advertise it over mDNS",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func loadConfig() (*config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", configPath, err)
	}
	return c, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := pairing.NewFileStore(cfg.StoreDir)
	if err != nil {
		return err
	}
	id, err := store.LoadOrCreateIdentity()
	if err != nil {
		return err
	}
	pairings, err := pairing.NewRegistry(store)
	if err != nil {
		return err
	}
	cf, err := newCeilingFan(cfg)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Device:      pairing.NewDeviceInfo(id, cfg.Code()),
		Pairings:    pairings,
		Limiter:     pairing.NewLimiter(cfg.Backoff.Limiter()),
		Accessories: cf.registry,
		Dispatcher:  event.NewDispatcher(cfg.EventQueueSize),
		Timeout:     cfg.RequestTimeout,
	})
	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Addr, strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if cfg.Advertise {
		adv := dnssd.NewAdvertiser(cfg.Name, port, advertisedService(cfg, id.DeviceID, pairings.Paired()), nil)
		pairings.OnChange(adv.SetPaired)
		if err := adv.Start(); err != nil {
			ln.Close()
			return err
		}
		defer adv.Shutdown()
	}
	if !pairings.Paired() {
		printBanner(cfg, id.DeviceID)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	glog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		glog.Warningf("shutdown: %v", err)
	}
	return <-errc
}

func advertisedService(cfg *config.Config, deviceID string, paired bool) dnssd.Service {
	svc := dnssd.Service{
		ConfigNumber:    1,
		DeviceID:        deviceID,
		Model:           cfg.Model,
		ProtocolVersion: "1.1",
		CategoryID:      uint32(cfg.Category),
		SetupHash:       pairing.SetupHash(cfg.SetupID, deviceID),
	}
	if !paired {
		svc.StatusFlags = dnssd.StatusFlagNotPaired
	}
	return svc
}

func setupPayload(cfg *config.Config) pairing.SetupPayload {
	return pairing.SetupPayload{
		AccessoryCategory: uint8(cfg.Category),
		IPTransport:       true,
		SetupCode:         cfg.Code(),
		SetupID:           cfg.SetupID,
	}
}

func printBanner(cfg *config.Config, deviceID string) {
	bold := color.New(color.Bold)
	code := color.New(color.FgHiYellow, color.Bold)
	bold.Printf("%s is ready to pair (%s)\n", cfg.Name, deviceID)
	fmt.Print("  setup code: ")
	code.Println(cfg.Code())
	fmt.Print("  setup uri:  ")
	color.Cyan(setupPayload(cfg).URL())
}
