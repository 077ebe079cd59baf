package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// ringBuffer is a fixed-capacity byte ring used to bridge malgo's
// callback-driven I/O with the synchronous Device API below.
type ringBuffer struct {
	data     []byte
	size     int
	readPos  int
	writePos int
	count    int
	mu       sync.Mutex
	hasData  *sync.Cond
	hasSpace *sync.Cond
	closed   bool
}

func newRingBuffer(size int) *ringBuffer {
	rb := &ringBuffer{data: make([]byte, size), size: size}
	rb.hasData = sync.NewCond(&rb.mu)
	rb.hasSpace = sync.NewCond(&rb.mu)

	return rb
}

// writeNonBlocking writes as much as fits without blocking, discarding the
// rest. Used from the capture callback, which must never block.
func (rb *ringBuffer) writeNonBlocking(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	space := rb.size - rb.count
	n := min(len(data), space)
	if n == 0 {
		return 0
	}

	first := min(rb.size-rb.writePos, n)
	copy(rb.data[rb.writePos:rb.writePos+first], data[:first])
	if first < n {
		copy(rb.data[0:n-first], data[first:n])
	}

	rb.writePos = (rb.writePos + n) % rb.size
	rb.count += n
	rb.hasData.Broadcast()

	return n
}

// readNonBlocking reads up to len(buf) bytes without blocking. Used from
// the playback callback, which must never block.
func (rb *ringBuffer) readNonBlocking(buf []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(buf), rb.count)
	if n == 0 {
		return 0
	}

	first := min(rb.size-rb.readPos, n)
	copy(buf[:first], rb.data[rb.readPos:rb.readPos+first])
	if first < n {
		copy(buf[first:n], rb.data[0:n-first])
	}

	rb.readPos = (rb.readPos + n) % rb.size
	rb.count -= n
	rb.hasSpace.Broadcast()

	return n
}

// write blocks until all of data has been queued or the buffer is closed.
func (rb *ringBuffer) write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for written < len(data) && !rb.closed {
		for rb.count == rb.size && !rb.closed {
			rb.hasSpace.Wait()
		}
		if rb.closed {
			break
		}

		space := rb.size - rb.count
		n := min(len(data)-written, space)

		first := min(rb.size-rb.writePos, n)
		copy(rb.data[rb.writePos:rb.writePos+first], data[written:written+first])
		if first < n {
			copy(rb.data[0:n-first], data[written+first:written+n])
		}

		rb.writePos = (rb.writePos + n) % rb.size
		rb.count += n
		written += n
		rb.hasData.Broadcast()
	}

	return written
}

func (rb *ringBuffer) readByte() (byte, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.hasData.Wait()
	}
	if rb.count == 0 {
		return 0, false
	}

	b := rb.data[rb.readPos]
	rb.readPos = (rb.readPos + 1) % rb.size
	rb.count--
	rb.hasSpace.Broadcast()

	return b, true
}

func (rb *ringBuffer) waitEmpty() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count > 0 && !rb.closed {
		rb.hasSpace.Wait()
	}
}

func (rb *ringBuffer) close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.closed = true
	rb.hasData.Broadcast()
	rb.hasSpace.Broadcast()
}

// deviceRingBufSize is sized for roughly one second of float32 mono
// audio at 16kHz; generous enough to absorb scheduling jitter between the
// synthesis pipeline and the audio callback thread.
const deviceRingBufSize = 1 << 16

// Device is a duplex capture/playback audio device backed by miniaudio via
// malgo. Capture and playback each run on their own internal ring buffer so
// the realtime callback threads never block.
type Device struct {
	ctx      *malgo.AllocatedContext
	capture  *malgo.Device
	playback *malgo.Device
	inRing   *ringBuffer
	outRing  *ringBuffer
	channels int
}

// OpenDevice starts a capture device, a playback device, or both,
// depending on which device names are non-empty. sampleRate and channels
// apply to both directions.
func OpenDevice(captureName, playbackName string, sampleRate, channels int) (*Device, error) {
	if channels <= 0 {
		channels = 1
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}

	d := &Device{ctx: ctx, channels: channels}

	if captureName != "" {
		d.inRing = newRingBuffer(deviceRingBufSize)

		captureConfig := malgo.DefaultDeviceConfig(malgo.Capture)
		captureConfig.Capture.Format = malgo.FormatF32
		captureConfig.Capture.Channels = uint32(channels)
		captureConfig.SampleRate = uint32(sampleRate)
		captureConfig.PeriodSizeInMilliseconds = 10

		callbacks := malgo.DeviceCallbacks{
			Data: func(_, input []byte, _ uint32) {
				if len(input) == 0 {
					return
				}

				d.inRing.writeNonBlocking(input)
			},
		}

		dev, err := malgo.InitDevice(ctx.Context, captureConfig, callbacks)
		if err != nil {
			ctx.Free()
			return nil, fmt.Errorf("audio: init capture device %q: %w", captureName, err)
		}

		if err := dev.Start(); err != nil {
			dev.Uninit()
			ctx.Free()
			return nil, fmt.Errorf("audio: start capture device %q: %w", captureName, err)
		}

		d.capture = dev
	}

	if playbackName != "" {
		d.outRing = newRingBuffer(deviceRingBufSize)

		playbackConfig := malgo.DefaultDeviceConfig(malgo.Playback)
		playbackConfig.Playback.Format = malgo.FormatF32
		playbackConfig.Playback.Channels = uint32(channels)
		playbackConfig.SampleRate = uint32(sampleRate)
		playbackConfig.PeriodSizeInMilliseconds = 10

		callbacks := malgo.DeviceCallbacks{
			Data: func(output, _ []byte, _ uint32) {
				n := d.outRing.readNonBlocking(output)
				for i := n; i < len(output); i++ {
					output[i] = 0
				}
			},
		}

		dev, err := malgo.InitDevice(ctx.Context, playbackConfig, callbacks)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("audio: init playback device %q: %w", playbackName, err)
		}

		if err := dev.Start(); err != nil {
			dev.Uninit()
			d.Close()
			return nil, fmt.Errorf("audio: start playback device %q: %w", playbackName, err)
		}

		d.playback = dev
	}

	return d, nil
}

// Play queues PCM float32 samples for output, blocking until they've been
// fully handed to the ring buffer (providing backpressure against the
// hardware playback rate).
func (d *Device) Play(samples []float32) error {
	if d.playback == nil {
		return fmt.Errorf("audio: device has no playback side open")
	}

	d.outRing.write(float32BytesLE(samples))

	return nil
}

// Wait blocks until all queued playback audio has drained from the ring
// buffer (not necessarily until the hardware has finished playing it).
func (d *Device) Wait() {
	if d.outRing != nil {
		d.outRing.waitEmpty()
	}
}

// Capture fills buf with captured float32 samples, blocking until len(buf)
// samples have arrived; it returns fewer only when the device is closed.
func (d *Device) Capture(buf []float32) (int, error) {
	if d.capture == nil {
		return 0, fmt.Errorf("audio: device has no capture side open")
	}

	raw := make([]byte, 4)
	n := 0

	for n < len(buf) {
		for i := range raw {
			b, ok := d.inRing.readByte()
			if !ok {
				return n, nil
			}

			raw[i] = b
		}

		buf[n] = float32FromBytesLE(raw)
		n++
	}

	return n, nil
}

// Close stops and releases both device sides and the miniaudio context.
func (d *Device) Close() {
	if d.capture != nil {
		d.capture.Stop()
	}

	if d.playback != nil {
		d.playback.Stop()
	}

	if d.inRing != nil {
		d.inRing.close()
	}

	if d.outRing != nil {
		d.outRing.close()
	}

	if d.capture != nil {
		d.capture.Uninit()
	}

	if d.playback != nil {
		d.playback.Uninit()
	}

	if d.ctx != nil {
		d.ctx.Free()
	}
}

func float32BytesLE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		bits := math.Float32bits(s)
		out[i*4+0] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}

	return out
}

func float32FromBytesLE(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}
