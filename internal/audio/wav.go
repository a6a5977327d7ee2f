package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for PCM data.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV wraps captured PCM16LE chunks in a WAV container.
func EncodeWAV(pcm []byte, cfg CaptureConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, pcm, cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes captured PCM16LE audio as a WAV file.
func WriteWAVFile(path string, pcm []byte, cfg CaptureConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, pcm, cfg); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteWAV writes PCM16LE audio captured with cfg to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, cfg CaptureConfig) error {
	const bitsPerSample = 16
	cfg = cfg.withDefaults()

	dataSize := uint32(len(pcm))
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(cfg.Channels),
		SampleRate:    uint32(cfg.SampleRate),
		ByteRate:      uint32(cfg.SampleRate * cfg.Channels * bitsPerSample / 8),
		BlockAlign:    uint16(cfg.Channels * bitsPerSample / 8),
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}
