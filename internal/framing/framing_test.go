package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/arcflow/reqmux/internal/wire"
)

func TestFramer_WriteMessage(t *testing.T) {
	tests := []struct {
		name    string
		env     *wire.Envelope
		wantErr bool
	}{
		{
			name:    "simple request",
			env:     wire.NewRequestEnvelope("01", []byte(`{"message":"hello"}`)),
			wantErr: false,
		},
		{
			name:    "empty payload request",
			env:     wire.NewRequestEnvelope("02", []byte(`{}`)),
			wantErr: false,
		},
		{
			name:    "large payload request",
			env:     wire.NewRequestEnvelope("03", []byte(`{"data":"`+string(bytes.Repeat([]byte("x"), 64*1024))+`"}`)),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			framer := NewFramer(&buf)

			data, err := tt.env.Marshal()
			if err != nil {
				t.Fatalf("failed to marshal envelope: %v", err)
			}

			err = framer.WriteMessage(data)
			if (err != nil) != tt.wantErr {
				t.Errorf("WriteMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				written := buf.Bytes()
				if len(written) < 4 {
					t.Fatal("frame too short")
				}

				lengthBytes := written[:4]
				length := binary.BigEndian.Uint32(lengthBytes)
				if int(length) != len(data) {
					t.Errorf("length mismatch: header=%d, actual=%d", length, len(data))
				}

				payload := written[4:]
				if !bytes.Equal(payload, data) {
					t.Error("payload mismatch")
				}
			}
		})
	}
}

func TestFramer_ReadMessage(t *testing.T) {
	tests := []struct {
		name    string
		env     *wire.Envelope
		wantErr bool
	}{
		{
			name:    "simple response",
			env:     wire.NewResponseEnvelope("01", []byte(`{"result":"success"}`)),
			wantErr: false,
		},
		{
			name:    "error response",
			env:     wire.NewErrorEnvelope("02", errString("something went wrong")),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.env.Marshal()
			if err != nil {
				t.Fatalf("failed to marshal envelope: %v", err)
			}

			var buf bytes.Buffer
			framer := NewFramer(&buf)
			if err := framer.WriteMessage(data); err != nil {
				t.Fatalf("failed to write message: %v", err)
			}

			readFramer := NewFramer(&buf)
			msg, err := readFramer.ReadMessage()
			if (err != nil) != tt.wantErr {
				t.Errorf("ReadMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if !bytes.Equal(msg, data) {
					t.Error("read message doesn't match original")
				}

				var env wire.Envelope
				if err := env.Unmarshal(msg); err != nil {
					t.Errorf("failed to unmarshal envelope: %v", err)
				}
				if env.ID != tt.env.ID {
					t.Errorf("ID mismatch: got=%s, want=%s", env.ID, tt.env.ID)
				}
			}
		})
	}
}

func TestFramer_MaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	maxSize := 100
	framer := NewFramerWithMaxSize(&buf, maxSize)

	largeData := make([]byte, maxSize+1)
	err := framer.WriteMessage(largeData)
	if err == nil {
		t.Error("expected error for oversized message")
	}
}

func TestFramer_PartialRead(t *testing.T) {
	env := wire.NewRequestEnvelope("01", []byte(`{"test":true}`))
	data, _ := env.Marshal()

	var fullBuf bytes.Buffer
	framer := NewFramer(&fullBuf)
	_ = framer.WriteMessage(data)

	fullData := fullBuf.Bytes()
	pr := &partialReader{
		data:      fullData,
		chunkSize: 10,
	}

	readFramer := NewFramer(pr)
	msg, err := readFramer.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	if !bytes.Equal(msg, data) {
		t.Error("partial read resulted in corrupted message")
	}
}

// partialReader simulates reading data in small chunks
type partialReader struct {
	data      []byte
	offset    int
	chunkSize int
}

func (r *partialReader) Read(p []byte) (n int, err error) {
	if r.offset >= len(r.data) {
		return 0, io.EOF
	}

	remaining := len(r.data) - r.offset
	toRead := r.chunkSize
	if toRead > remaining {
		toRead = remaining
	}
	if toRead > len(p) {
		toRead = len(p)
	}

	copy(p, r.data[r.offset:r.offset+toRead])
	r.offset += toRead
	return toRead, nil
}

func (r *partialReader) Write(_ []byte) (n int, err error) {
	return 0, io.ErrClosedPipe
}

type errString string

func (e errString) Error() string { return string(e) }
