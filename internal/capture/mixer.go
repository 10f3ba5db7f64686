package capture

import (
	"encoding/binary"
	"math"
	"sync"
)

// Mixer is the audio mixing node between the microphone and the recorder.
// The primary input paces the output; extra inputs (synthesized audio) are
// summed into primary frames as PCM16LE with saturation when they have a
// frame ready.
type Mixer struct {
	primary <-chan []byte
	out     chan []byte
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	inputs []chan []byte
}

// NewMixer starts a mixer over the primary input.
func NewMixer(primary <-chan []byte) *Mixer {
	m := &Mixer{
		primary: primary,
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// AddInput registers an extra audio input.
func (m *Mixer) AddInput(buffer int) chan<- []byte {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan []byte, buffer)
	m.mu.Lock()
	m.inputs = append(m.inputs, ch)
	m.mu.Unlock()
	return ch
}

// Output returns mixed frames. It closes when the primary input ends or the
// mixer is closed.
func (m *Mixer) Output() <-chan []byte { return m.out }

// Close stops the mixer.
func (m *Mixer) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Mixer) run() {
	defer close(m.out)
	for {
		select {
		case <-m.done:
			return
		case frame, ok := <-m.primary:
			if !ok {
				return
			}
			mixed := make([]byte, len(frame))
			copy(mixed, frame)

			m.mu.Lock()
			for _, in := range m.inputs {
				select {
				case extra := <-in:
					mixPCM16(mixed, extra)
				default:
				}
			}
			m.mu.Unlock()

			select {
			case m.out <- mixed:
			case <-m.done:
				return
			}
		}
	}
}

// mixPCM16 adds src into dst sample by sample, clamping to int16.
func mixPCM16(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i+1 < n; i += 2 {
		a := int32(int16(binary.LittleEndian.Uint16(dst[i:])))
		b := int32(int16(binary.LittleEndian.Uint16(src[i:])))
		sum := a + b
		if sum > math.MaxInt16 {
			sum = math.MaxInt16
		} else if sum < math.MinInt16 {
			sum = math.MinInt16
		}
		binary.LittleEndian.PutUint16(dst[i:], uint16(int16(sum)))
	}
}
