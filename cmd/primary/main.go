package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/actor"
	"timer-link/pkg/config"
	"timer-link/pkg/link"
	"timer-link/pkg/liveness"
	"timer-link/pkg/logging"
	"timer-link/pkg/model"
	"timer-link/pkg/peer"
	"timer-link/pkg/relay"
	"timer-link/pkg/version"
)

func main() {
	cfg, err := config.LoadPeer("primary", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println(version.String("primary"))
		return
	}
	log := logging.New("primary", cfg.Log.Level, cfg.Log.JSON)
	if cfg.DeviceID == "" || cfg.Secret == "" {
		log.Error("device id and secret are required (flags --id/--secret or env DEVICE_ID/DEVICE_SECRET)")
		os.Exit(1)
	}
	if err := cfg.Workout.Validate(); err != nil {
		log.Error("invalid workout", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tok, err := relay.WaitToken(ctx, nil, cfg.RelayURL, cfg.DeviceID, cfg.Secret, cfg.RetryDelay, log)
	if err != nil {
		log.Error("token request failed", "error", err)
		os.Exit(1)
	}
	log.Info("token issued", "role", tok.Role, "peer", tok.PeerID, "expires", tok.ExpiresAt)
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

	p := peer.NewPrimary(tr, loop, peer.PrimaryConfig{
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		AutoConnect:   cfg.AutoConnect,
		Synthetic:     cfg.Synthetic,
		Dedupe:        cfg.Dedupe,
		Rand:          rand.New(rand.NewSource(seed)),
		Logger:        log,
	})
	loop.Call(func() {
		p.OnProbeResult(func(res liveness.Result) {
			if res.Outcome == liveness.Succeeded {
				log.Info("companion alive", "rtt", res.RTT)
				return
			}
			log.Warn("companion probe failed", "outcome", res.Outcome, "error", res.Err)
		})
		p.OnHeartRate(func(m model.HeartRateMetrics) {
			if m.CurrentBpm != nil {
				log.Debug("heart rate", "bpm", *m.CurrentBpm, "samples", m.SampleCount)
			}
		})
		p.Start()
		if err := p.StartWorkout(cfg.Workout); err != nil {
			log.Error("start workout failed", "error", err)
		}
	})

	go readCommands(ctx, loop, p, cfg, log)

	if cfg.StatusEvery > 0 {
		ticker := time.NewTicker(cfg.StatusEvery)
		defer ticker.Stop()
	statusLoop:
		for {
			select {
			case <-ctx.Done():
				break statusLoop
			case <-ticker.C:
				var s peer.PrimarySnapshot
				loop.Call(func() { s = p.Snapshot() })
				log.Info("status",
					"reachable", s.Link.Reachable,
					"phase", s.Timer.Phase,
					"headline", s.Timer.Headline,
					"display", s.Timer.DisplaySeconds,
					"samples", s.HeartRate.SampleCount,
					"probe", s.Probe.LastOutcome)
			}
		}
	} else {
		<-ctx.Done()
	}

	log.Info("shutting down")
	loop.Call(func() {
		p.StopWorkout()
		p.Shutdown()
	})
	stopLoop()
	if err := tr.Close(); err != nil {
		log.Debug("transport close", "error", err)
	}
}

// readCommands drives the controller from stdin, one command per line.
func readCommands(ctx context.Context, loop *actor.Loop, p *peer.Primary, cfg config.Peer, log hclog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "start":
			loop.Post(func() {
				if err := p.StartWorkout(cfg.Workout); err != nil {
					log.Warn("start workout", "error", err)
				}
			})
		case "stop":
			loop.Post(p.StopWorkout)
		case "reset":
			loop.Post(p.Reset)
		case "round":
			loop.Post(p.AddRound)
		case "probe":
			loop.Post(func() { p.Probe() })
		case "synthetic":
			on := len(fields) < 2 || fields[1] == "on"
			loop.Post(func() { p.SetSynthetic(on) })
		default:
			log.Warn("unknown command; use start|stop|reset|round|probe|synthetic on|off", "command", fields[0])
		}
	}
}
