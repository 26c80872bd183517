// Package audio converts captured microphone frames into the PCM format the
// live API accepts and back.
//
// Wire format is 16-bit signed little-endian mono PCM at 16 kHz, labelled
// "audio/pcm;rate=16000". Model audio arrives at 24 kHz in the same encoding.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// InputSampleRate is the rate the live API expects for microphone audio.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of model audio.
	OutputSampleRate = 24000
)

// MIMEType returns the PCM MIME type for rate.
func MIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseRate extracts the sample rate from a PCM MIME type such as
// "audio/pcm;rate=16000". It reports false for any other type.
func ParseRate(mimeType string) (int, bool) {
	base, params, ok := strings.Cut(mimeType, ";")
	if strings.TrimSpace(strings.ToLower(base)) != "audio/pcm" {
		return 0, false
	}
	if !ok {
		return InputSampleRate, true
	}
	for _, p := range strings.Split(params, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "rate") {
			rate, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || rate <= 0 {
				return 0, false
			}
			return rate, true
		}
	}
	return InputSampleRate, true
}

// Frame is one callback's worth of captured mono audio: float samples in
// [-1, 1] from a local device, or s16le PCM already packed by a remote client.
// PCM takes precedence when set.
type Frame struct {
	Samples    []float32
	PCM        []byte
	SampleRate int
}

// Blob is an encoded audio chunk ready to send.
type Blob struct {
	Data     []byte
	MIMEType string
}

type blobJSON struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// MarshalJSON encodes Data as base64 so the blob is safe for text transports.
func (b Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(blobJSON{
		Data:     base64.StdEncoding.EncodeToString(b.Data),
		MIMEType: b.MIMEType,
	})
}

// UnmarshalJSON decodes the base64 form produced by MarshalJSON.
func (b *Blob) UnmarshalJSON(data []byte) error {
	var raw blobJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(raw.Data)
	if err != nil {
		return fmt.Errorf("audio: decode blob data: %w", err)
	}
	b.Data = decoded
	b.MIMEType = raw.MIMEType
	return nil
}

// Encoder turns frames into 16 kHz PCM blobs. The zero value is ready to use.
type Encoder struct {
	// TargetRate overrides InputSampleRate when non-zero.
	TargetRate int
}

func (e Encoder) rate() int {
	if e.TargetRate > 0 {
		return e.TargetRate
	}
	return InputSampleRate
}

// Encode resamples f to the target rate when needed and packs it as s16le.
func (e Encoder) Encode(f Frame) Blob {
	if f.PCM != nil {
		return e.EncodeS16LE(f.PCM, f.SampleRate)
	}
	target := e.rate()
	samples := f.Samples
	if f.SampleRate > 0 && f.SampleRate != target {
		samples = Resample(samples, f.SampleRate, target)
	}
	return Blob{Data: Float32ToS16LE(samples), MIMEType: MIMEType(target)}
}

// EncodeS16LE wraps already-encoded PCM captured at rate, resampling when it
// differs from the target.
func (e Encoder) EncodeS16LE(pcm []byte, rate int) Blob {
	target := e.rate()
	if rate > 0 && rate != target {
		pcm = Float32ToS16LE(Resample(S16LEToFloat32(pcm), rate, target))
	}
	return Blob{Data: pcm, MIMEType: MIMEType(target)}
}

// Float32ToS16LE scales samples by 32768, clamps to the int16 range and packs
// them little-endian.
func Float32ToS16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32768
		if math.IsNaN(v) {
			v = 0
		}
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// S16LEToFloat32 unpacks little-endian int16 PCM into samples in [-1, 1).
// A trailing odd byte is ignored.
func S16LEToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Resample converts samples from one rate to another by linear
// interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n == 0 {
		return []float32{}
	}
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}
