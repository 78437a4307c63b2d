package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, maxParticipants int) string {
	t.Helper()
	m := metrics.New()
	srv := signaling.NewServer(signaling.Config{
		Relay:   relay.New(relay.NewRegistry(maxParticipants), m, discardLogger()),
		Metrics: m,
		Logger:  discardLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

type lan struct {
	t      *testing.T
	router *vnet.Router
	next   int
}

func newLAN(t *testing.T) *lan {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return &lan{t: t, router: router, next: 1}
}

func (l *lan) api() *webrtc.API {
	l.t.Helper()
	ip := fmt.Sprintf("10.0.0.%d", l.next)
	l.next++
	vn, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		l.t.Fatalf("new net: %v", err)
	}
	if err := l.router.AddNet(vn); err != nil {
		l.t.Fatalf("add net: %v", err)
	}
	api, err := webrtcpeer.NewAPI(config.WebRTCConfig{}, webrtcpeer.WithNet(vn), webrtcpeer.WithPLIInterval(0))
	if err != nil {
		l.t.Fatalf("new api: %v", err)
	}
	return api
}

func (l *lan) start() {
	l.t.Helper()
	if err := l.router.Start(); err != nil {
		l.t.Fatalf("start router: %v", err)
	}
	l.t.Cleanup(func() { _ = l.router.Stop() })
}

type runningAgent struct {
	agent  *Agent
	cancel context.CancelFunc
	done   chan error

	once sync.Once
	err  error
}

func startAgent(t *testing.T, wsURL string, api *webrtc.API, id string, publish bool) *runningAgent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := signaling.Dial(ctx, signaling.ClientConfig{URL: wsURL, Codec: meshproto.Msgpack, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var src *media.Source
	if publish {
		src, err = media.NewSource(id, true, false)
		if err != nil {
			t.Fatalf("new source: %v", err)
		}
	}
	a, err := New(Config{
		Signaler:      client,
		Room:          "room",
		ParticipantID: id,
		API:           api,
		Source:        src,
		Publish:       publish,
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	ra := &runningAgent{agent: a, cancel: stop, done: make(chan error, 1)}
	go func() { ra.done <- a.Run(runCtx) }()
	t.Cleanup(func() { _ = ra.stop() })

	select {
	case <-a.Joined():
	case err := <-ra.done:
		t.Fatalf("%s: run ended before join: %v", id, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: join not acknowledged", id)
	}
	return ra
}

// stop cancels Run and returns its result.
func (ra *runningAgent) stop() error {
	ra.once.Do(func() {
		ra.cancel()
		select {
		case ra.err = <-ra.done:
		case <-time.After(5 * time.Second):
			ra.err = errors.New("run did not return")
		}
	})
	return ra.err
}

func waitConnected(t *testing.T, a *Agent, want ...string) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		sessions, err := a.Sessions(context.Background())
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		var connected []string
		for _, s := range sessions {
			if s.State == webrtcpeer.StateConnected && s.Transport == webrtc.PeerConnectionStateConnected {
				connected = append(connected, s.Participant)
			}
		}
		if reflect.DeepEqual(connected, want) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	sessions, _ := a.Sessions(context.Background())
	t.Fatalf("sessions=%+v, want connected %v", sessions, want)
}

func waitNoSessions(t *testing.T, a *Agent) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sessions, err := a.Sessions(context.Background())
		if err != nil {
			t.Fatalf("sessions: %v", err)
		}
		if len(sessions) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("sessions still present")
}

func TestAgent_MeshOfThreeConnectsAndCleansUp(t *testing.T) {
	wsURL := startServer(t, 0)
	network := newLAN(t)
	apiA, apiB, apiC := network.api(), network.api(), network.api()
	network.start()

	a := startAgent(t, wsURL, apiA, "a", true)
	b := startAgent(t, wsURL, apiB, "b", true)
	c := startAgent(t, wsURL, apiC, "c", false)

	waitConnected(t, a.agent, "b", "c")
	waitConnected(t, b.agent, "a", "c")
	waitConnected(t, c.agent, "a", "b")

	roster, err := c.agent.Roster(context.Background())
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if !reflect.DeepEqual(roster, []string{"a", "b", "c"}) {
		t.Fatalf("roster=%v, want [a b c]", roster)
	}

	if err := a.stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitConnected(t, b.agent, "c")
	waitConnected(t, c.agent, "b")
}

func TestAgent_LeaveTearsDownRemoteSessions(t *testing.T) {
	wsURL := startServer(t, 0)
	network := newLAN(t)
	apiA, apiB := network.api(), network.api()
	network.start()

	a := startAgent(t, wsURL, apiA, "a", true)
	b := startAgent(t, wsURL, apiB, "b", false)
	waitConnected(t, a.agent, "b")
	waitConnected(t, b.agent, "a")

	if err := a.stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitNoSessions(t, b.agent)

	deadline := time.Now().Add(5 * time.Second)
	for {
		roster, err := b.agent.Roster(context.Background())
		if err != nil {
			t.Fatalf("roster: %v", err)
		}
		if reflect.DeepEqual(roster, []string{"b"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("roster=%v, want [b]", roster)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAgent_RoomFullRejectsJoin(t *testing.T) {
	wsURL := startServer(t, 1)
	network := newLAN(t)
	apiA, apiB := network.api(), network.api()
	network.start()

	startAgent(t, wsURL, apiA, "a", false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := signaling.Dial(ctx, signaling.ClientConfig{URL: wsURL, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b, err := New(Config{Signaler: client, Room: "room", ParticipantID: "b", API: apiB, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	runCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	err = b.Run(runCtx)
	if !errors.Is(err, ErrJoinRejected) || !strings.Contains(err.Error(), meshproto.CodeRoomFull) {
		t.Fatalf("Run()=%v, want %v with %s", err, ErrJoinRejected, meshproto.CodeRoomFull)
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("New() accepted a config without a signaler")
	}
}
