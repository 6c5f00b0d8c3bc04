// Package media provides capture devices that produce negotiable local tracks.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
)

var ErrNothingRequested = errors.New("no audio or video requested")

const (
	DefaultAudioInterval = 20 * time.Millisecond
	DefaultVideoInterval = 33 * time.Millisecond
)

// SyntheticDevice captures placeholder Opus audio and VP8 video. Samples are
// written continuously so the remote side sees RTP and fires OnTrack.
type SyntheticDevice struct {
	AudioInterval time.Duration
	VideoInterval time.Duration
}

func NewSyntheticDevice() *SyntheticDevice {
	return &SyntheticDevice{
		AudioInterval: DefaultAudioInterval,
		VideoInterval: DefaultVideoInterval,
	}
}

func (d *SyntheticDevice) Capture(ctx context.Context, c core.MediaConstraints) (*core.LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, ErrNothingRequested
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "stream-" + uuid.NewString()

	var tracks []core.LocalTrack
	if c.Audio {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio-"+uuid.NewString(), streamID, d.AudioInterval, []byte{0xf8, 0xff, 0xfe})
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+uuid.NewString(), streamID, d.VideoInterval, make([]byte, 64))
		if err != nil {
			for _, prev := range tracks {
				_ = prev.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}
	log.Info().Str("module", "media").Str("stream_id", streamID).Int("tracks", len(tracks)).Msg("captured")
	return core.NewLocalStream(streamID, tracks...), nil
}

// sampleTrack is a static-sample track fed by a ticker until stopped.
type sampleTrack struct {
	*webrtc.TrackLocalStaticSample

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSampleTrack(capability webrtc.RTPCodecCapability, id, streamID string, interval time.Duration, payload []byte) (*sampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultAudioInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &sampleTrack{TrackLocalStaticSample: track, cancel: cancel, done: make(chan struct{})}
	go t.feed(ctx, interval, payload)
	return t, nil
}

func (t *sampleTrack) feed(ctx context.Context, interval time.Duration, payload []byte) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Unbound tracks drop samples, which is what we want before negotiation.
			if err := t.WriteSample(media.Sample{Data: payload, Duration: interval}); err != nil {
				log.Debug().Err(err).Str("module", "media").Str("track_id", t.ID()).Msg("write sample")
			}
		}
	}
}

func (t *sampleTrack) Stop() error {
	t.once.Do(func() {
		t.cancel()
		<-t.done
		log.Debug().Str("module", "media").Str("track_id", t.ID()).Msg("track stopped")
	})
	return nil
}
