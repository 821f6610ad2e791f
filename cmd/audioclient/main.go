// audioclient streams a WAV file to the transcription service over
// WebSocket and prints the snapshots it receives. Useful for manual
// end-to-end testing without a browser client.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files.
const wavHeaderSize = 44

// Stream audio in chunks to simulate real-time streaming.
// At 16 kHz 16-bit mono = 32000 bytes/second; 100 ms chunks = 3200 bytes.
const chunkSize = 3200
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16kHz 16-bit mono)")
	serverAddr := flag.String("server", "ws://localhost:8080/v1/stream", "WebSocket endpoint")
	policy := flag.String("policy", "align_att", "Stabilization policy: align_att | local_agreement")
	language := flag.String("language", "auto", "Source language")
	diarization := flag.Bool("diarization", false, "Enable speaker diarization")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 {
		log.Fatal("Only PCM format supported")
	}
	if sampleRate != 16000 {
		log.Printf("Warning: Sample rate is %d Hz, expected 16000 Hz", sampleRate)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverAddr, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	pcm := true
	start := map[string]any{
		"backend_policy": *policy,
		"language":       *language,
		"diarization":    *diarization,
		"pcm_input":      pcm,
	}
	if err := conn.WriteJSON(start); err != nil {
		log.Fatalf("Failed to send start message: %v", err)
	}

	// Print snapshots as they arrive.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var snap map[string]any
			if err := conn.ReadJSON(&snap); err != nil {
				return
			}
			pretty, _ := json.Marshal(snap)
			fmt.Println(string(pretty))
			if ready, ok := snap["ready_to_stop"].(bool); ok && ready {
				return
			}
		}
	}()

	chunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk[:n]); err != nil {
			log.Fatalf("Failed to send frame: %v", err)
		}
		if chunkNum%50 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
		}
		time.Sleep(chunkIntervalMs * time.Millisecond)
	}

	elapsed := time.Since(startTime)
	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, elapsed)

	// Empty frame is the end-of-stream sentinel; wait for the drain.
	if err := conn.WriteMessage(websocket.BinaryMessage, nil); err != nil {
		log.Fatalf("Failed to send end of stream: %v", err)
	}

	select {
	case <-done:
		log.Println("Session finalized")
	case <-time.After(15 * time.Second):
		log.Println("Timed out waiting for final snapshot")
	}
}
