package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	StreamSampleRate = 16000 // Rate expected by the streaming backend
	channels         = 1     // Mono audio
	bitsPerSample    = 16    // Using int16 for samples
	wavHeaderSize    = 44
)

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WriteWavHeader writes a mono 16-bit PCM header. Streamed recordings pass a
// zero dataSize and patch it with UpdateWavHeader once the stream ends.
func WriteWavHeader(w io.Writer, sampleRate uint32, dataSize uint32) error {
	header := WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + wavHeaderSize - 8,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * uint32(channels) * uint32(bitsPerSample) / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	return binary.Write(w, binary.LittleEndian, header)
}

func UpdateWavHeader(w io.WriteSeeker, dataSize uint32) error {
	// Update ChunkSize (file size - 8)
	if _, err := w.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to ChunkSize: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize+wavHeaderSize-8); err != nil {
		return fmt.Errorf("failed to write ChunkSize: %w", err)
	}

	// Update Subchunk2Size (data size)
	if _, err := w.Seek(40, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to Subchunk2Size: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write Subchunk2Size: %w", err)
	}

	if _, err := w.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end of recording: %w", err)
	}
	return nil
}
