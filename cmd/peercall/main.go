package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peercall-io/peercall/internal/capture"
	"github.com/peercall-io/peercall/internal/channel"
	"github.com/peercall-io/peercall/internal/config"
	"github.com/peercall-io/peercall/internal/negotiate"
	"github.com/peercall-io/peercall/internal/webrtc"
)

const helpText = `peercall - establish a peer-to-peer audio/video session

Without flags, peercall creates a new call on the rendezvous server and
prints the call id to share with the other party.

Environment Variables:
  PEERCALL_CHANNEL_URL  rendezvous websocket endpoint (default ws://127.0.0.1:8844/ws)
  PEERCALL_STUN         comma-separated STUN urls
  PEERCALL_TURN         optional TURN url (with PEERCALL_TURN_USER / PEERCALL_TURN_PASS)
  PEERCALL_AUDIO        set to 0 to disable the audio track
  PEERCALL_VIDEO        set to 0 to disable the video track

Options:
  -join <id>   join an existing call
  -loopback    run both roles in one process over an in-memory channel
  -h, --help   show this help message
`

func main() {
	flag.Usage = func() { fmt.Print(helpText) }
	join := flag.String("join", "", "join an existing call by id")
	loopback := flag.Bool("loopback", false, "run both roles in-process")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if *loopback {
		runLoopback(ctx, cfg, logger)
		return
	}

	// Step 1: acquire local media before any negotiation step needs it
	device := capture.NewDevice(capture.Options{}, logger)
	stream, err := device.AcquireStream(ctx, cfg.Video, cfg.Audio)
	if err != nil {
		logger.Fatal("acquire stream", zap.Error(err))
	}
	defer stream.Close()

	// Step 2: connection capability
	peer, err := webrtc.New(cfg, logger)
	if err != nil {
		logger.Fatal("create peer", zap.Error(err))
	}
	peer.OnRemoteTrack(func(trackID, kind string) {
		logger.Info("remote media arrived", zap.String("track", trackID), zap.String("kind", kind))
	})

	// Step 3: rendezvous channel
	ch, err := channel.Dial(ctx, cfg.ChannelURL, logger)
	if err != nil {
		logger.Fatal("dial rendezvous", zap.Error(err))
	}
	defer ch.Close()

	// Step 4: negotiate
	coord := negotiate.New(ch, peer, stream, logger)
	if *join != "" {
		if err := coord.JoinCall(ctx, *join); err != nil {
			logger.Fatal("join call", zap.Error(err))
		}
	} else {
		id, err := coord.CreateCall(ctx)
		if err != nil {
			logger.Fatal("create call", zap.Error(err))
		}
		fmt.Printf("call id: %s\n", id)
	}

	<-ctx.Done()
	if err := coord.End(); err != nil {
		logger.Warn("end call", zap.Error(err))
	}
}

// runLoopback negotiates a call between two in-process sessions sharing one
// in-memory store. Useful as a self-contained smoke path.
func runLoopback(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	store := channel.NewStore()
	device := capture.NewDevice(capture.Options{}, logger)

	side := func(name string) (*negotiate.Coordinator, func()) {
		l := logger.With(zap.String("side", name))
		stream, err := device.AcquireStream(ctx, cfg.Video, cfg.Audio)
		if err != nil {
			logger.Fatal("acquire stream", zap.Error(err))
		}
		peer, err := webrtc.New(cfg, l)
		if err != nil {
			logger.Fatal("create peer", zap.Error(err))
		}
		coord := negotiate.New(store, peer, stream, l)
		return coord, func() {
			coord.End()
			stream.Close()
		}
	}

	caller, stopCaller := side("caller")
	defer stopCaller()
	callee, stopCallee := side("callee")
	defer stopCallee()

	id, err := caller.CreateCall(ctx)
	if err != nil {
		logger.Fatal("create call", zap.Error(err))
	}
	if err := callee.JoinCall(ctx, id); err != nil {
		logger.Fatal("join call", zap.Error(err))
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("negotiation state",
				zap.Stringer("caller", caller.State()),
				zap.Stringer("callee", callee.State()),
			)
			if caller.State() == negotiate.StateConnected && callee.State() == negotiate.StateConnected {
				logger.Info("loopback call connected", zap.String("call", id))
				return
			}
		}
	}
}
