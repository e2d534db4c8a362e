// Command xdecoder-client streams an audio file to a running xdecoder server
// and prints the recognition results.
//
// The file (16-bit mono 16 kHz WAV or FLAC) is sent in 0.5 s chunks of
// big-endian samples, followed by the end-of-stream marker:
//
//	xdecoder-client -addr ws://localhost:10086/ws/decode -realtime utterance.wav
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ASLP-AI/xdecoder/internal/persist"
	"github.com/ASLP-AI/xdecoder/internal/protocol"
)

// chunkSamples is half a second of audio.
const chunkSamples = persist.SampleRate / 2

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "ws://localhost:10086/ws/decode", "decode endpoint URL")
	clientInfo := flag.String("client-info", "xdecoder-client", "value of the Client-Info header")
	realtime := flag.Bool("realtime", false, "pace chunks at playback speed")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	verbose := flag.Bool("v", false, "print every message, not only finals")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <audio.wav|audio.flac>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	samples, err := readAudio(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "xdecoder-client: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	c := &client{verbose: *verbose, realtime: *realtime}
	finals, err := c.stream(ctx, *addr, *clientInfo, samples)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xdecoder-client: %v\n", err)
		return 1
	}
	fmt.Println(strings.Join(finals, "\n"))
	return 0
}

// readAudio loads the samples of a WAV or FLAC file, chosen by extension.
func readAudio(path string) ([]int16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".flac") {
		return persist.DecodeFLAC(bytes.NewReader(data))
	}
	return persist.DecodeWAV(data)
}

type client struct {
	verbose  bool
	realtime bool
}

// stream sends samples to the decode endpoint at addr and returns the final
// results in order.
func (c *client) stream(ctx context.Context, addr, clientInfo string, samples []int16) ([]string, error) {
	conn, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
		HTTPHeader: http.Header{protocol.ClientInfoHeader: {clientInfo}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.CloseNow()

	var finals []string
	collect := func() error {
		var m protocol.Message
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			return fmt.Errorf("read result: %w", err)
		}
		if c.verbose {
			fmt.Fprintf(os.Stderr, "%s %q\n", m.Status, m.Result)
		}
		switch m.Status {
		case protocol.StatusError:
			return fmt.Errorf("server: %s", m.Error)
		case "final":
			finals = append(finals, m.Result)
		}
		return nil
	}

	start := time.Now()
	for i := 0; i < len(samples); i += chunkSamples {
		chunk := samples[i:min(i+chunkSamples, len(samples))]
		if err := conn.Write(ctx, websocket.MessageBinary, protocol.EncodeSamples(chunk, binary.BigEndian)); err != nil {
			return finals, fmt.Errorf("send audio: %w", err)
		}
		if err := collect(); err != nil {
			return finals, err
		}
		if c.realtime {
			sent := time.Duration(i+len(chunk)) * time.Second / persist.SampleRate
			select {
			case <-time.After(time.Until(start.Add(sent))):
			case <-ctx.Done():
				return finals, ctx.Err()
			}
		}
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(protocol.EndOfStream)); err != nil {
		return finals, fmt.Errorf("send end of stream: %w", err)
	}
	if err := collect(); err != nil {
		return finals, err
	}

	// The server closes the stream once the session is persisted.
	_, _, err = conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		return finals, fmt.Errorf("stream ended abnormally: %w", err)
	}
	return finals, nil
}
