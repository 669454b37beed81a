// Package capture provides a synthetic local media source. The real
// device/UI layer is an external collaborator; this device produces a
// test-signal stream so a full negotiation can run without hardware.
package capture

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/peercall-io/peercall/internal/domain"
)

const (
	toneFrequency  = 440.0
	toneSampleRate = 8000
	toneAmplitude  = 16000
	frameDuration  = 20 * time.Millisecond
	frameSamples   = toneSampleRate / 50
)

// Options configures the synthetic device.
type Options struct {
	// Denied mirrors a user rejecting the capture prompt.
	Denied bool
}

// Device is a synthetic capture device. It implements domain.CaptureDevice.
type Device struct {
	opts   Options
	logger *zap.Logger
}

// NewDevice creates a synthetic capture device.
func NewDevice(opts Options, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{opts: opts, logger: logger}
}

// AcquireStream produces a local media stream. The audio track carries a
// 440 Hz tone as G.711 µ-law; the video track negotiates a VP8 m-line but
// produces no frames (a placeholder for a real capture source).
func (d *Device) AcquireStream(ctx context.Context, video, audio bool) (domain.Stream, error) {
	if d.opts.Denied {
		return nil, fmt.Errorf("acquire stream: %w", domain.ErrPermission)
	}
	if !video && !audio {
		return nil, fmt.Errorf("acquire stream: %w: no media requested", domain.ErrPrecondition)
	}

	s := &Stream{quit: make(chan struct{})}
	if audio {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{
			MimeType:  pion.MimeTypePCMU,
			ClockRate: toneSampleRate,
			Channels:  1,
		}, "audio", "peercall")
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.tracks = append(s.tracks, track)
		s.done = make(chan struct{})
		go s.pumpTone(track, d.logger)
	}
	if video {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", "peercall")
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create video track: %w", err)
		}
		s.tracks = append(s.tracks, track)
	}

	d.logger.Debug("stream acquired",
		zap.Bool("audio", audio),
		zap.Bool("video", video),
	)
	return s, nil
}

// Stream is an active synthetic stream. It implements domain.Stream.
type Stream struct {
	tracks    []domain.LocalTrack
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Tracks returns the stream's local tracks.
func (s *Stream) Tracks() []domain.LocalTrack { return s.tracks }

// Close stops the tone pump.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.done != nil {
			<-s.done
		}
	})
	return nil
}

// pumpTone writes 20ms µ-law tone frames until the stream is closed.
// WriteSample is a no-op while the track is unbound, so the pump may start
// before negotiation completes.
func (s *Stream) pumpTone(track *pion.TrackLocalStaticSample, logger *zap.Logger) {
	defer close(s.done)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var phase int
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			frame := toneFrame(phase)
			phase += frameSamples
			err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			if err != nil {
				logger.Warn("write audio sample", zap.Error(err))
				return
			}
		}
	}
}

// toneFrame produces one 20ms frame of a 440 Hz sine, µ-law encoded.
func toneFrame(phase int) []byte {
	frame := make([]byte, frameSamples)
	for i := range frame {
		t := float64(phase+i) / toneSampleRate
		sample := int16(toneAmplitude * math.Sin(2*math.Pi*toneFrequency*t))
		frame[i] = linearToMulaw(sample)
	}
	return frame
}

// linearToMulaw encodes one 16-bit PCM sample as G.711 µ-law.
func linearToMulaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := 7
	for mask := 0x4000; exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}
