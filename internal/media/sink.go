package media

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TrackStats summarizes the RTP received on one remote track.
type TrackStats struct {
	Participant string
	TrackID     string
	Kind        string
	Codec       string
	Packets     uint64
	Bytes       uint64
	// Lost counts sequence numbers skipped between consecutive packets.
	Lost uint64
}

type trackKey struct {
	participant string
	trackID     string
}

type trackState struct {
	stats   TrackStats
	started bool
	lastSeq uint16
}

// Sink drains remote tracks and keeps per-participant receive statistics.
type Sink struct {
	log *slog.Logger

	mu     sync.Mutex
	tracks map[trackKey]*trackState
}

func NewSink(logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{log: logger, tracks: make(map[trackKey]*trackState)}
}

// Consume reads track until it ends. Packets must be read even when nobody
// renders them, or the interceptors stall.
func (s *Sink) Consume(participant string, track *webrtc.TrackRemote) {
	key := trackKey{participant: participant, trackID: track.ID()}
	s.register(key, track.Kind().String(), track.Codec().MimeType)

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.log.Debug("remote track read ended", "participant", participant, "track", key.trackID, "err", err)
				}
				return
			}
			s.observe(key, pkt)
		}
	}()
}

// Observe records a packet received from participant on trackID.
func (s *Sink) Observe(participant, trackID string, pkt *rtp.Packet) {
	key := trackKey{participant: participant, trackID: trackID}
	s.register(key, "", "")
	s.observe(key, pkt)
}

func (s *Sink) register(key trackKey, kind, codec string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[key]; ok {
		return
	}
	s.tracks[key] = &trackState{stats: TrackStats{
		Participant: key.participant,
		TrackID:     key.trackID,
		Kind:        kind,
		Codec:       codec,
	}}
}

func (s *Sink) observe(key trackKey, pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tracks[key]
	if !ok {
		// Removed while the reader was still draining.
		return
	}
	st.stats.Packets++
	st.stats.Bytes += uint64(len(pkt.Payload))
	if st.started {
		if gap := pkt.SequenceNumber - st.lastSeq; gap > 1 && gap < 1<<15 {
			st.stats.Lost += uint64(gap - 1)
		}
	}
	st.started = true
	st.lastSeq = pkt.SequenceNumber
}

// Remove drops every track of participant.
func (s *Sink) Remove(participant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.tracks {
		if key.participant == participant {
			delete(s.tracks, key)
		}
	}
}

// Snapshot returns the stats of every live track, sorted by participant and
// track id.
func (s *Sink) Snapshot() []TrackStats {
	s.mu.Lock()
	out := make([]TrackStats, 0, len(s.tracks))
	for _, st := range s.tracks {
		out = append(out, st.stats)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Participant != out[j].Participant {
			return out[i].Participant < out[j].Participant
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}
