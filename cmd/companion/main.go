package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"timer-link/pkg/actor"
	"timer-link/pkg/config"
	"timer-link/pkg/link"
	"timer-link/pkg/logging"
	"timer-link/pkg/model"
	"timer-link/pkg/peer"
	"timer-link/pkg/relay"
	"timer-link/pkg/version"
)

func main() {
	cfg, err := config.LoadPeer("companion", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println(version.String("companion"))
		return
	}
	log := logging.New("companion", cfg.Log.Level, cfg.Log.JSON)
	if cfg.DeviceID == "" || cfg.Secret == "" {
		log.Error("device id and secret are required (flags --id/--secret or env DEVICE_ID/DEVICE_SECRET)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tok, err := relay.WaitToken(ctx, nil, cfg.RelayURL, cfg.DeviceID, cfg.Secret, cfg.RetryDelay, log)
	if err != nil {
		log.Error("token request failed", "error", err)
		os.Exit(1)
	}
	tr, err := link.NewWSTransport(link.WSConfig{
		Relay:      cfg.RelayURL,
		Token:      tok.Token,
		RetryDelay: cfg.RetryDelay,
		Logger:     log,
	})
	if err != nil {
		log.Error("transport init failed", "error", err)
		os.Exit(1)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	loop := actor.NewLoop(0)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go loop.Run(loopCtx)

	c := peer.NewCompanion(tr, loop, peer.CompanionConfig{
		Rand:   rand.New(rand.NewSource(seed)),
		Logger: log,
	})
	loop.Call(func() {
		c.OnTimerState(func(s *model.RemoteTimerState) {
			if s == nil {
				log.Info("timer idle")
				return
			}
			log.Debug("timer state", "mode", s.Mode, "phase", s.Phase, "headline", s.Headline, "display", s.DisplaySeconds)
		})
		c.Start()
	})
	log.Info("companion started", "peer", tok.PeerID, "version", version.Build)

	if cfg.StatusEvery > 0 {
		ticker := time.NewTicker(cfg.StatusEvery)
		defer ticker.Stop()
	statusLoop:
		for {
			select {
			case <-ctx.Done():
				break statusLoop
			case <-ticker.C:
				var s peer.CompanionSnapshot
				loop.Call(func() { s = c.Snapshot() })
				kv := []interface{}{"reachable", s.Link.Reachable, "following", s.Following, "session", s.SessionActive}
				if s.Timer != nil {
					kv = append(kv, "phase", s.Timer.Phase, "headline", s.Timer.Headline, "display", s.Display)
				}
				log.Info("status", kv...)
			}
		}
	} else {
		<-ctx.Done()
	}

	log.Info("shutting down")
	loop.Call(c.Shutdown)
	stopLoop()
	if err := tr.Close(); err != nil {
		log.Debug("transport close", "error", err)
	}
}
