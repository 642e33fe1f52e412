package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Формат кадра: [u32 len BE][u8 type][u8 flags][body]; len покрывает type+flags+body.
const (
	headerSize = 4
	metaSize   = 2

	// FlagCompressed тело сжато zstd
	FlagCompressed uint8 = 1 << 0

	// MaxFrameSize верхняя граница кадра, защищает от мусорных длин
	MaxFrameSize = 1 << 20

	// DefaultCompressThreshold тела длиннее сжимаются
	DefaultCompressThreshold = 512
)

// ErrFrameTooLarge длина кадра превышает MaxFrameSize
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// MessageSerializer кодирует сообщения в кадры и обратно.
// Безопасен для конкурентного использования.
type MessageSerializer struct {
	threshold    int
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

// NewMessageSerializer создаёт сериализатор. threshold <= 0 отключает сжатие.
func NewMessageSerializer(threshold int) (*MessageSerializer, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize*4))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	return &MessageSerializer{threshold: threshold, compressor: enc, decompressor: dec}, nil
}

// Close освобождает ресурсы zstd
func (ms *MessageSerializer) Close() {
	ms.compressor.Close()
	ms.decompressor.Close()
}

// Encode сериализует сообщение в кадр
func (ms *MessageSerializer) Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("protocol: nil message")
	}

	body := msg.appendBody(nil)
	var flags uint8
	if ms.threshold > 0 && len(body) > ms.threshold {
		body = ms.compressor.EncodeAll(body, nil)
		flags |= FlagCompressed
	}

	length := metaSize + len(body)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, headerSize, headerSize+length)
	binary.BigEndian.PutUint32(frame, uint32(length))
	frame = append(frame, byte(msg.Type()), flags)
	return append(frame, body...), nil
}

// Decode разбирает один полный кадр
func (ms *MessageSerializer) Decode(frame []byte) (Message, error) {
	if len(frame) < headerSize+metaSize {
		return nil, fmt.Errorf("message too short")
	}
	length := binary.BigEndian.Uint32(frame[:headerSize])
	if int(length) != len(frame)-headerSize {
		return nil, fmt.Errorf("message length mismatch: header %d, actual %d", length, len(frame)-headerSize)
	}
	return ms.decodePayload(frame[headerSize:])
}

// ReadMessage читает один кадр из потока
func (ms *MessageSerializer) ReadMessage(r io.Reader) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < metaSize {
		return nil, fmt.Errorf("message too short")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return ms.decodePayload(payload)
}

// WriteMessage пишет кадр в поток
func (ms *MessageSerializer) WriteMessage(w io.Writer, msg Message) error {
	frame, err := ms.Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func (ms *MessageSerializer) decodePayload(payload []byte) (Message, error) {
	msgType, flags, body := MsgType(payload[0]), payload[1], payload[metaSize:]

	if flags&FlagCompressed != 0 {
		decompressed, err := ms.decompressor.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
		body = decompressed
	}

	msg, err := newMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.decodeBody(body); err != nil {
		return nil, fmt.Errorf("ошибка десериализации %s: %w", msgType, err)
	}
	return msg, nil
}
