package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"time"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"

	"github.com/ASLP-AI/xdecoder/internal/config"
)

// Archived audio is always mono 16-bit PCM at 16 kHz.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16

	// BlockSize is the number of samples per FLAC frame.
	BlockSize = 4096

	wavHeaderSize = 44
)

// Name returns the storage name (without extension) for audio recorded by
// session id and closed at t: YYYYMMDD-HHMMSS-<tag>, where tag is the
// 32-bit FNV-1a hash of the session id followed by the little-endian audio
// bytes, as 8 lowercase hex digits.
func Name(t time.Time, id string, audio []int16) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	var b [2]byte
	for _, s := range audio {
		binary.LittleEndian.PutUint16(b[:], uint16(s))
		h.Write(b[:])
	}
	return fmt.Sprintf("%s-%08x", t.Format("20060102-150405"), h.Sum32())
}

// Ext returns the file extension for format, including the dot.
func Ext(format config.AudioFormat) string {
	if format == config.AudioFLAC {
		return ".flac"
	}
	return ".wav"
}

// Encode renders samples in the container selected by format.
func Encode(format config.AudioFormat, samples []int16) ([]byte, error) {
	switch format {
	case config.AudioFLAC:
		return EncodeFLAC(samples)
	case config.AudioWAV, "":
		return EncodeWAV(samples), nil
	default:
		return nil, fmt.Errorf("persist: unknown audio format %q", format)
	}
}

// EncodeWAV returns samples as a canonical 44-byte-header RIFF/WAVE file.
func EncodeWAV(samples []int16) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, wavHeaderSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(wavHeaderSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], Channels)
	binary.LittleEndian.PutUint32(buf[24:28], SampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], SampleRate*Channels*BitsPerSample/8)
	binary.LittleEndian.PutUint16(buf[32:34], Channels*BitsPerSample/8)
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+2*i:], uint16(s))
	}
	return buf
}

// EncodeFLAC returns samples as a FLAC stream of verbatim frames of at
// most BlockSize samples.
func EncodeFLAC(samples []int16) ([]byte, error) {
	var buf bytes.Buffer
	info := &meta.StreamInfo{
		BlockSizeMin:  BlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    SampleRate,
		NChannels:     Channels,
		BitsPerSample: BitsPerSample,
		NSamples:      uint64(len(samples)),
	}
	enc, err := flac.NewEncoder(&buf, info)
	if err != nil {
		return nil, fmt.Errorf("persist: create flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)

	for start := 0; start < len(samples); start += BlockSize {
		block := samples[start:min(start+BlockSize, len(samples))]
		samples32 := make([]int32, len(block))
		for i, s := range block {
			samples32[i] = int32(s)
		}
		f := &frame.Frame{
			Header: frame.Header{
				BlockSize:     uint16(len(block)),
				SampleRate:    SampleRate,
				Channels:      frame.ChannelsMono,
				BitsPerSample: BitsPerSample,
			},
			Subframes: []*frame.Subframe{{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   samples32,
				NSamples:  len(block),
			}},
		}
		if err := enc.WriteFrame(f); err != nil {
			return nil, fmt.Errorf("persist: write flac frame at sample %d: %w", start, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("persist: close flac encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV extracts the samples of a 16-bit mono 16 kHz PCM RIFF/WAVE
// file. The chunk list is walked, so headers longer than 44 bytes are
// accepted.
func DecodeWAV(data []byte) ([]int16, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New("persist: not a RIFF/WAVE file")
	}
	foundFmt := false
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := data[offset+8:]

		switch id {
		case "fmt ":
			if size < 16 || len(body) < 16 {
				return nil, errors.New("persist: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels := binary.LittleEndian.Uint16(body[2:4])
			rate := binary.LittleEndian.Uint32(body[4:8])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || channels != Channels || rate != SampleRate || bits != BitsPerSample {
				return nil, fmt.Errorf("persist: unsupported wav format (format %d, %d ch, %d Hz, %d bit), want 16-bit mono 16 kHz PCM",
					format, channels, rate, bits)
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, errors.New("persist: wav data chunk before fmt chunk")
			}
			// Truncated files keep whatever whole samples are present.
			body = body[:min(size, len(body))&^1]
			samples := make([]int16, len(body)/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(body[2*i:]))
			}
			return samples, nil
		}

		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	return nil, errors.New("persist: wav file has no data chunk")
}

// DecodeFLAC reads a 16-bit mono 16 kHz FLAC stream.
func DecodeFLAC(r io.Reader) ([]int16, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, fmt.Errorf("persist: open flac stream: %w", err)
	}
	defer stream.Close()
	if stream.Info.NChannels != Channels || stream.Info.SampleRate != SampleRate || stream.Info.BitsPerSample != BitsPerSample {
		return nil, fmt.Errorf("persist: unsupported flac format (%d ch, %d Hz, %d bit), want 16-bit mono 16 kHz",
			stream.Info.NChannels, stream.Info.SampleRate, stream.Info.BitsPerSample)
	}

	samples := make([]int16, 0, stream.Info.NSamples)
	for {
		f, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return nil, fmt.Errorf("persist: parse flac frame: %w", err)
		}
		for _, s := range f.Subframes[0].Samples {
			samples = append(samples, int16(s))
		}
	}
}
