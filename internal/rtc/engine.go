// Package rtc implements the controller's transport and media capabilities on pion/webrtc.
package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callsignal-backend/internal/controller"
	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/ice"
)

// Factory creates one peer connection per call with the configured ICE servers
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

// NewFactory builds the pion API once. Default codecs are registered so the
// offer carries opus and VP8.
func NewFactory(servers []ice.Server, log *zap.Logger) (*Factory, error) {
	if log == nil {
		log = zap.NewNop()
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(log)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(mediaEngine),
		),
		config: webrtc.Configuration{ICEServers: ice.ToWebRTC(servers)},
		log:    log,
	}, nil
}

// NewTransport implements controller.TransportFactory
func (f *Factory) NewTransport(handlers controller.TransportHandlers) (controller.TransportEngine, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || handlers.OnICECandidate == nil {
			return
		}
		handlers.OnICECandidate(fromCandidateInit(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.log.Debug("Peer connection state changed", zap.String("state", s.String()))
		if handlers.OnConnectionStateChange != nil {
			handlers.OnConnectionStateChange(controller.ConnectionState(s.String()))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if handlers.OnTrack != nil {
			handlers.OnTrack(track)
		}
	})

	return &Engine{pc: pc, log: f.log}, nil
}

// Engine is one pion peer connection
type Engine struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger
}

// AddTrack attaches a track produced by Acquirer
func (e *Engine) AddTrack(track controller.LocalTrack) error {
	local, ok := track.(*Track)
	if !ok {
		return fmt.Errorf("unsupported track type %T", track)
	}

	sender, err := e.pc.AddTrack(local.sample)
	if err != nil {
		return fmt.Errorf("add %s track: %w", local.kind, err)
	}

	// RTCP has to be drained for the interceptors to run
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (e *Engine) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromSessionDescription(offer), nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromSessionDescription(answer), nil
}

func (e *Engine) SetLocalDescription(desc domain.SessionDescription) error {
	sd, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	return e.pc.SetLocalDescription(sd)
}

func (e *Engine) SetRemoteDescription(desc domain.SessionDescription) error {
	sd, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	return e.pc.SetRemoteDescription(sd)
}

func (e *Engine) AddICECandidate(candidate domain.ICECandidate) error {
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (e *Engine) Close() error {
	return e.pc.Close()
}

func fromSessionDescription(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func toSessionDescription(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown session description type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}, nil
}

func fromCandidateInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
