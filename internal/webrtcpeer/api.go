package webrtcpeer

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

// DefaultPLIInterval is how often a keyframe is requested for remote video.
const DefaultPLIInterval = 3 * time.Second

type apiOptions struct {
	net           transport.Net
	loggerFactory logging.LoggerFactory
	pliInterval   time.Duration
}

type Option func(*apiOptions)

// WithNet routes ICE through n, typically a vnet.Net in tests.
func WithNet(n transport.Net) Option {
	return func(o *apiOptions) { o.net = n }
}

func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(o *apiOptions) { o.loggerFactory = f }
}

// WithPLIInterval overrides DefaultPLIInterval. Zero disables periodic PLIs.
func WithPLIInterval(d time.Duration) Option {
	return func(o *apiOptions) { o.pliInterval = d }
}

// NewAPI builds the pion API shared by every session of one participant: the
// default codecs and interceptors, a periodic PLI generator and the network
// restrictions from cfg.
func NewAPI(cfg config.WebRTCConfig, opts ...Option) (*webrtc.API, error) {
	o := apiOptions{pliInterval: DefaultPLIInterval}
	for _, opt := range opts {
		opt(&o)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	if o.pliInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(o.pliInterval))
		if err != nil {
			return nil, fmt.Errorf("create pli interceptor: %w", err)
		}
		registry.Add(pli)
	}

	se := webrtc.SettingEngine{}
	if o.loggerFactory != nil {
		se.LoggerFactory = o.loggerFactory
	}
	if o.net != nil {
		se.SetNet(o.net)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.WebRTCConfig) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.NAT1To1CandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.NAT1To1CandidateType)
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't currently expose a "bind to 0.0.0.0" toggle; instead
	// we restrict candidate gathering and socket binding via IPFilter.
	if !config.IsUnspecifiedIP(cfg.UDPListenIP) {
		listenIP := cfg.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
