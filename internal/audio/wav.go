// Package audio holds the PCM helpers used by the replay client to feed
// recorded utterances through the relay.
package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrUnsupportedWAV = errors.New("unsupported wav")

// Clip is mono PCM16LE audio at a known sample rate.
type Clip struct {
	PCM        []byte
	SampleRate int
}

// Duration reports the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.PCM)/2) * time.Second / time.Duration(c.SampleRate)
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	w := bufio.NewWriter(out)
	header := struct {
		Riff       [4]byte
		Size       uint32
		Wave       [4]byte
		Fmt        [4]byte
		FmtSize    uint32
		Format     uint16
		Channels   uint16
		SampleRate uint32
		ByteRate   uint32
		BlockAlign uint16
		Bits       uint16
		Data       [4]byte
		DataSize   uint32
	}{
		Riff:       [4]byte{'R', 'I', 'F', 'F'},
		Size:       36 + uint32(len(pcm)),
		Wave:       [4]byte{'W', 'A', 'V', 'E'},
		Fmt:        [4]byte{'f', 'm', 't', ' '},
		FmtSize:    16,
		Format:     audioFormat,
		Channels:   numChannels,
		SampleRate: uint32(sampleRate),
		ByteRate:   uint32(sampleRate * numChannels * bitsPerSample / 8),
		BlockAlign: numChannels * bitsPerSample / 8,
		Bits:       bitsPerSample,
		Data:       [4]byte{'d', 'a', 't', 'a'},
		DataSize:   uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAVPCM16 extracts 16-bit PCM from a RIFF/WAVE file. Multi-channel
// audio is downmixed to mono by averaging.
func DecodeWAVPCM16(data []byte) (Clip, error) {
	if len(data) < 12 {
		return Clip{}, fmt.Errorf("%w: too short", ErrUnsupportedWAV)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: bad header", ErrUnsupportedWAV)
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return Clip{}, fmt.Errorf("%w: invalid chunk size", ErrUnsupportedWAV)
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return Clip{}, fmt.Errorf("%w: invalid fmt chunk", ErrUnsupportedWAV)
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return Clip{}, fmt.Errorf("%w: fmt chunk missing", ErrUnsupportedWAV)
	case len(pcmData) == 0:
		return Clip{}, fmt.Errorf("%w: data chunk missing", ErrUnsupportedWAV)
	case audioFormat != 1:
		return Clip{}, fmt.Errorf("%w: audio format %d", ErrUnsupportedWAV, audioFormat)
	case bitsPerSamp != 16:
		return Clip{}, fmt.Errorf("%w: bits_per_sample %d", ErrUnsupportedWAV, bitsPerSamp)
	case channels == 0:
		return Clip{}, fmt.Errorf("%w: channels=0", ErrUnsupportedWAV)
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return Clip{PCM: pcmData, SampleRate: sampleRate}, nil
	}

	frameBytes := int(channels) * 2
	if len(pcmData) < frameBytes {
		return Clip{}, fmt.Errorf("%w: short frame", ErrUnsupportedWAV)
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int(channels))))
	}
	return Clip{PCM: mono, SampleRate: sampleRate}, nil
}

// Chunks splits the clip into sample-aligned slices of roughly chunk length.
// The returned slices alias the clip buffer.
func (c Clip) Chunks(chunk time.Duration) [][]byte {
	sampleRate := c.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	size := int(int64(sampleRate) * 2 * int64(chunk) / int64(time.Second))
	if size%2 != 0 {
		size++
	}
	if size < 2 {
		size = 2
	}
	pcm := c.PCM[:len(c.PCM)-len(c.PCM)%2]
	out := make([][]byte, 0, len(pcm)/size+1)
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[off:end])
	}
	return out
}

// Silence returns a zeroed clip of the given length.
func Silence(d time.Duration, sampleRate int) Clip {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return Clip{PCM: make([]byte, samples*2), SampleRate: sampleRate}
}
