package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	defaultFrameDuration = 33 * time.Millisecond
	oggPageDuration      = 20 * time.Millisecond
	opusSampleRate       = 48000
)

var ErrNoTrack = errors.New("source has no track of that kind")

// Source holds the local tracks of one participant. The same tracks are
// attached to every peer session, so one write reaches every remote.
type Source struct {
	Video *webrtc.TrackLocalStaticSample
	Audio *webrtc.TrackLocalStaticSample

	videoFrames atomic.Uint64
	audioPages  atomic.Uint64
}

// NewSource creates a VP8 video track and/or an Opus audio track under the
// stream id streamID.
func NewSource(streamID string, video, audio bool) (*Source, error) {
	s := &Source{}
	var err error
	if video {
		s.Video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
	}
	if audio {
		s.Audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
	}
	return s, nil
}

// Tracks returns the tracks to attach to a peer session.
func (s *Source) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.Video != nil {
		out = append(out, s.Video)
	}
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	return out
}

func (s *Source) VideoFrames() uint64 { return s.videoFrames.Load() }

func (s *Source) AudioPages() uint64 { return s.audioPages.Load() }

// PlayIVF paces VP8 frames from an IVF stream onto the video track. It returns
// nil at the end of the stream.
func (s *Source) PlayIVF(ctx context.Context, r io.Reader) error {
	if s.Video == nil {
		return ErrNoTrack
	}
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}

	frameDuration := defaultFrameDuration
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ivf frame: %w", err)
		}
		if err := s.Video.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return fmt.Errorf("write video sample: %w", err)
		}
		s.videoFrames.Add(1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PlayOgg paces Opus pages from an Ogg stream onto the audio track. It
// returns nil at the end of the stream.
func (s *Source) PlayOgg(ctx context.Context, r io.Reader) error {
	if s.Audio == nil {
		return ErrNoTrack
	}
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}

		// The granule position counts samples, so the page duration is the
		// delta since the previous page.
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))

		if err := s.Audio.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return fmt.Errorf("write audio sample: %w", err)
		}
		s.audioPages.Add(1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PlayFiles plays an IVF video file and an Ogg audio file concurrently. An
// empty path skips that kind. It returns the first playback error.
func (s *Source) PlayFiles(ctx context.Context, videoPath, audioPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	play := func(path string, fn func(context.Context, io.Reader) error) {
		defer wg.Done()
		err := playFile(ctx, path, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			once.Do(func() {
				firstErr = err
				cancel()
			})
		}
	}

	if videoPath != "" {
		wg.Add(1)
		go play(videoPath, s.PlayIVF)
	}
	if audioPath != "" {
		wg.Add(1)
		go play(audioPath, s.PlayOgg)
	}
	wg.Wait()
	return firstErr
}

func playFile(ctx context.Context, path string, fn func(context.Context, io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fn(ctx, f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
