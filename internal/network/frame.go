package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Формат кадра KCP: uint32 LE длина тела, затем тело = флаги (1 байт) + данные.
const (
	frameHeaderSize  = 4
	frameFlagZstd    = 1 << 0
	MaxFrameSize     = 1 << 20
	compressMinBytes = 256
)

// ErrFrameTooLarge: заявленная длина кадра превышает MaxFrameSize
var ErrFrameTooLarge = errors.New("network: frame too large")

// FrameCodec пишет и читает кадры с длиной, сжимая крупные кадры zstd.
// EncodeAll/DecodeAll безопасны для конкурентного использования,
// поэтому один кодек обслуживает все сессии сервера.
type FrameCodec struct {
	compress     bool
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

// NewFrameCodec создаёт кодек. Распаковка поддерживается всегда,
// сжатие исходящих кадров только при compress.
func NewFrameCodec(compress bool) (*FrameCodec, error) {
	fc := &FrameCodec{compress: compress}

	var err error
	if compress {
		fc.compressor, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
	}
	fc.decompressor, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	return fc, nil
}

// Encode собирает кадр из данных
func (fc *FrameCodec) Encode(payload []byte) ([]byte, error) {
	flags := byte(0)
	if fc.compress && len(payload) >= compressMinBytes {
		payload = fc.compressor.EncodeAll(payload, nil)
		flags |= frameFlagZstd
	}
	if len(payload)+1 > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderSize+1+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)+1))
	frame[frameHeaderSize] = flags
	copy(frame[frameHeaderSize+1:], payload)
	return frame, nil
}

// WriteFrame кодирует и записывает кадр
func (fc *FrameCodec) WriteFrame(w io.Writer, payload []byte) error {
	frame, err := fc.Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame читает один кадр из потока и возвращает данные
func (fc *FrameCodec) ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	flags, payload := body[0], body[1:]
	if flags&frameFlagZstd != 0 {
		decompressed, err := fc.decompressor.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
		return decompressed, nil
	}
	return payload, nil
}

// Close освобождает ресурсы zstd
func (fc *FrameCodec) Close() {
	if fc.compressor != nil {
		_ = fc.compressor.Close()
	}
	fc.decompressor.Close()
}
