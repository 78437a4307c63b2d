package media

import (
	"sort"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// FeedbackStats counts the RTCP feedback a remote sent about our tracks.
type FeedbackStats struct {
	Participant     string
	PLI             uint64
	FIR             uint64
	NACK            uint64
	ReceiverReports uint64
}

// Feedback reads RTCP from local senders. Reading is also what lets the
// sender interceptors process incoming reports.
type Feedback struct {
	mu    sync.Mutex
	stats map[string]*FeedbackStats
}

func NewFeedback() *Feedback {
	return &Feedback{stats: make(map[string]*FeedbackStats)}
}

// Watch reads RTCP from each sender until it is stopped.
func (f *Feedback) Watch(participant string, senders []*webrtc.RTPSender) {
	for _, sender := range senders {
		sender := sender
		go func() {
			for {
				pkts, _, err := sender.ReadRTCP()
				if err != nil {
					return
				}
				f.Record(participant, pkts)
			}
		}()
	}
}

// Record counts feedback packets received from participant.
func (f *Feedback) Record(participant string, pkts []rtcp.Packet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stats[participant]
	if !ok {
		st = &FeedbackStats{Participant: participant}
		f.stats[participant] = st
	}
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			st.PLI++
		case *rtcp.FullIntraRequest:
			st.FIR++
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				st.NACK += uint64(len(pair.PacketList()))
			}
		case *rtcp.ReceiverReport:
			st.ReceiverReports++
		}
	}
}

func (f *Feedback) Remove(participant string) {
	f.mu.Lock()
	delete(f.stats, participant)
	f.mu.Unlock()
}

func (f *Feedback) Snapshot() []FeedbackStats {
	f.mu.Lock()
	out := make([]FeedbackStats, 0, len(f.stats))
	for _, st := range f.stats {
		out = append(out, *st)
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}
