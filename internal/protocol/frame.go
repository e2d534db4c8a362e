package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/ASLP-AI/xdecoder/internal/config"
	"github.com/ASLP-AI/xdecoder/pkg/engine"
)

// Wire constants shared with clients.
const (
	// ClientInfoHeader carries free-form client metadata on the upgrade
	// request. It is stored with the session's history record.
	ClientInfoHeader = "Client-Info"

	// DefaultClientInfo is used when the header is absent.
	DefaultClientInfo = "unknown"

	// EndOfStream is the text frame that ends a stream.
	EndOfStream = "<EOS>"

	// StatusError is the status of error messages.
	StatusError = "error"
)

// Message is one outbound JSON message.
type Message struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// ResultMessage converts an engine result. Only final results carry text.
func ResultMessage(r engine.Result) Message {
	m := Message{Status: r.Status.String()}
	if r.Status == engine.StatusFinal {
		m.Result = r.Text
	}
	return m
}

// ErrorMessage reports err to the client.
func ErrorMessage(err error) Message {
	return Message{Status: StatusError, Error: err.Error()}
}

// byteOrder maps the configured order to an encoding/binary order. Anything
// but "little" means network order.
func byteOrder(o config.ByteOrder) binary.ByteOrder {
	if o == config.ByteOrderLittle {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// DecodeSamples converts a binary frame of 16-bit signed PCM into samples.
// An odd number of bytes fails with [engine.ErrProtocol].
func DecodeSamples(data []byte, order binary.ByteOrder) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("protocol: binary frame of %d bytes is not whole 16-bit samples: %w", len(data), engine.ErrProtocol)
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(order.Uint16(data[2*i:]))
	}
	return samples, nil
}

// EncodeSamples is the inverse of [DecodeSamples].
func EncodeSamples(samples []int16, order binary.ByteOrder) []byte {
	data := make([]byte, 2*len(samples))
	for i, s := range samples {
		order.PutUint16(data[2*i:], uint16(s))
	}
	return data
}
