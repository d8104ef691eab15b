package intake

import (
	"encoding/json"

	appErr "execbox/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	// HeaderContentEncoding marks compressed result bodies.
	HeaderContentEncoding = "content-encoding"
	encodingZstd          = "zstd"

	defaultCompressThreshold = 16 << 10
)

// ResultCodec serialises result messages, compressing large ones with zstd.
// It is safe for concurrent use.
type ResultCodec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewResultCodec creates a codec. threshold <= 0 takes the default; bodies
// at or below it are sent as plain JSON.
func NewResultCodec(threshold int) (*ResultCodec, error) {
	if threshold <= 0 {
		threshold = defaultCompressThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "create zstd encoder failed")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "create zstd decoder failed")
	}
	return &ResultCodec{threshold: threshold, encoder: enc, decoder: dec}, nil
}

// Encode returns the body and the headers to send with it.
func (c *ResultCodec) Encode(msg ResultMessage) ([]byte, map[string]string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, appErr.Wrapf(err, appErr.InternalServerError, "marshal result failed")
	}
	if len(body) <= c.threshold {
		return body, nil, nil
	}
	compressed := c.encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
	return compressed, map[string]string{HeaderContentEncoding: encodingZstd}, nil
}

// Decode reverses Encode.
func (c *ResultCodec) Decode(body []byte, headers map[string]string) (ResultMessage, error) {
	var msg ResultMessage
	if headers[HeaderContentEncoding] == encodingZstd {
		plain, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return msg, appErr.Wrapf(err, appErr.InvalidFormat, "decompress result failed")
		}
		body = plain
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, appErr.Wrapf(err, appErr.InvalidFormat, "decode result failed")
	}
	return msg, nil
}

// Close releases the encoder and decoder.
func (c *ResultCodec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}
