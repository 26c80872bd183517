package device

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/plantassist/pkg/audio"
)

// Speaker plays model audio (s16le mono) through the default output device.
type Speaker struct {
	ctx    *oto.Context
	queue  *pcmQueue
	player *oto.Player
	once   sync.Once
}

// NewSpeaker opens the output device at rate. Zero means
// audio.OutputSampleRate. oto allows one context per process.
func NewSpeaker(rate int) (*Speaker, error) {
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms at 24kHz mono s16.
		BufferSize: 4800,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready
	return &Speaker{ctx: ctx, queue: newPCMQueue()}, nil
}

// Play queues pcm for playback. The player starts on the first chunk.
func (s *Speaker) Play(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.queue.Write(pcm)
	s.once.Do(func() {
		s.player = s.ctx.NewPlayer(s.queue)
		s.player.Play()
	})
}

// Flush drops queued audio, used when the model is interrupted.
func (s *Speaker) Flush() {
	s.queue.Reset()
}

// Close stops playback.
func (s *Speaker) Close() error {
	s.queue.Close()
	if s.player != nil {
		return s.player.Close()
	}
	return nil
}

// pcmQueue is the io.Reader oto pulls from. Reads block until data arrives
// and return silence once closed so the player drains cleanly.
type pcmQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newPCMQueue() *pcmQueue {
	q := &pcmQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *pcmQueue) Write(p []byte) {
	q.mu.Lock()
	q.buf = append(q.buf, p...)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *pcmQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		clear(p)
		return len(p), nil
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	return n, nil
}

func (q *pcmQueue) Reset() {
	q.mu.Lock()
	q.buf = q.buf[:0]
	q.mu.Unlock()
}

func (q *pcmQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *pcmQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
