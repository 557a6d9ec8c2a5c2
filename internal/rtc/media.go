package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"callsignal-backend/internal/controller"
	"callsignal-backend/internal/domain"
)

// ErrNoVideoDevice is returned for a video call when video is not allowed
var ErrNoVideoDevice = errors.New("no video capture device")

const opusFrame = 20 * time.Millisecond

// opusSilence is a single 20ms opus frame of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Acquirer produces synthetic local tracks: silent opus audio and a VP8 video
// track without frames. It stands in for a capture device on headless clients.
type Acquirer struct {
	AllowVideo bool
}

// Acquire implements controller.MediaAcquirer
func (a *Acquirer) Acquire(ctx context.Context, callType domain.CallType) (controller.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if callType == domain.CallTypeVideo && !a.AllowVideo {
		return nil, ErrNoVideoDevice
	}

	streamID := "callsignal-" + uuid.NewString()
	pumpCtx, cancel := context.WithCancel(context.Background())
	stream := &Stream{cancel: cancel}

	audio, err := newTrack(controller.TrackKindAudio, webrtc.MimeTypeOpus, streamID)
	if err != nil {
		cancel()
		return nil, err
	}
	stream.tracks = append(stream.tracks, audio)

	if callType == domain.CallTypeVideo {
		video, err := newTrack(controller.TrackKindVideo, webrtc.MimeTypeVP8, streamID)
		if err != nil {
			cancel()
			return nil, err
		}
		stream.tracks = append(stream.tracks, video)
	}

	stream.wg.Add(1)
	go stream.pumpAudio(pumpCtx, audio)
	return stream, nil
}

// Track is one local track
type Track struct {
	kind    controller.TrackKind
	sample  *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

func newTrack(kind controller.TrackKind, mimeType, streamID string) (*Track, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &Track{kind: kind, sample: sample}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() controller.TrackKind { return t.kind }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *Track) Enabled() bool { return t.enabled.Load() }

// Stream groups the tracks of one acquisition
type Stream struct {
	tracks []*Track
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *Stream) Tracks() []controller.LocalTrack {
	out := make([]controller.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Stop ends sample production. It is safe to call more than once.
func (s *Stream) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// pumpAudio writes silence while the track is enabled; a muted track sends nothing
func (s *Stream) pumpAudio(ctx context.Context, track *Track) {
	defer s.wg.Done()
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !track.Enabled() {
				continue
			}
			// Writes before the track is bound to a connection are dropped by pion.
			_ = track.sample.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame})
		}
	}
}
