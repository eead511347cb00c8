package transcode

import (
	"bytes"
	stdbzip2 "compress/bzip2"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"testing"
)

func testPayloads() map[string][]byte {
	rng := rand.New(rand.NewSource(42))
	random := make([]byte, 300*1024)
	rng.Read(random)

	return map[string][]byte{
		"empty":      {},
		"single":     {0x42},
		"text":       bytes.Repeat([]byte("VBSP map lump data "), 10000),
		"random":     random,
		"over chunk": bytes.Repeat([]byte{0, 1, 2, 3, 4, 5, 6, 7}, DefaultBufferSize/4+3),
	}
}

func TestCompressRoundTrip(t *testing.T) {
	for _, codec := range []Codec{Bzip2, Gzip, Zstd} {
		for _, level := range []Level{Fastest, Default, Better, Best} {
			for name, payload := range testPayloads() {
				t.Run(codec.String()+"/"+level.String()+"/"+name, func(t *testing.T) {
					tc := New(codec, level, 0)

					var compressed bytes.Buffer
					stats, err := tc.Compress(&compressed, bytes.NewReader(payload))
					if err != nil {
						t.Fatalf("Compress failed: %v", err)
					}
					if stats.BytesRead != int64(len(payload)) {
						t.Errorf("BytesRead = %d, want %d", stats.BytesRead, len(payload))
					}
					if stats.BytesWritten != int64(compressed.Len()) {
						t.Errorf("BytesWritten = %d, want %d", stats.BytesWritten, compressed.Len())
					}

					r, err := NewReader(codec, &compressed)
					if err != nil {
						t.Fatalf("NewReader failed: %v", err)
					}
					defer r.Close()
					got, err := io.ReadAll(r)
					if err != nil {
						t.Fatalf("decompress failed: %v", err)
					}
					if !bytes.Equal(got, payload) {
						t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
					}
				})
			}
		}
	}
}

// Clients decode mirror files with stock decoders, so the output must be
// readable by the standard library implementations.
func TestCompressStandardDecoders(t *testing.T) {
	payload := bytes.Repeat([]byte("models/props/crate.mdl\n"), 4096)

	t.Run("bz2", func(t *testing.T) {
		var buf bytes.Buffer
		if _, err := New(Bzip2, Best, 0).Compress(&buf, bytes.NewReader(payload)); err != nil {
			t.Fatalf("Compress failed: %v", err)
		}
		got, err := io.ReadAll(stdbzip2.NewReader(&buf))
		if err != nil {
			t.Fatalf("compress/bzip2 could not decode: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Error("compress/bzip2 decoded different bytes")
		}
	})

	t.Run("gz", func(t *testing.T) {
		var buf bytes.Buffer
		if _, err := New(Gzip, Best, 0).Compress(&buf, bytes.NewReader(payload)); err != nil {
			t.Fatalf("Compress failed: %v", err)
		}
		zr, err := gzip.NewReader(&buf)
		if err != nil {
			t.Fatalf("compress/gzip could not open stream: %v", err)
		}
		got, err := io.ReadAll(zr)
		if err != nil {
			t.Fatalf("compress/gzip could not decode: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Error("compress/gzip decoded different bytes")
		}
	})
}

func TestCompressIsReproducible(t *testing.T) {
	payload := bytes.Repeat([]byte("sound/ambient/wind.wav"), 5000)
	tc := New(Bzip2, Best, 0)

	var a, b bytes.Buffer
	if _, err := tc.Compress(&a, bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if _, err := tc.Compress(&b, bytes.NewReader(payload)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("compressing the same input twice produced different output")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk went away") }

func TestCompressReadError(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(Bzip2, Best, 0).Compress(&buf, failingReader{}); err == nil {
		t.Error("expected read error to be returned")
	}
}

func TestUnsupportedCodec(t *testing.T) {
	if _, err := New(Codec("lz4"), Best, 0).Compress(io.Discard, bytes.NewReader(nil)); err == nil {
		t.Error("expected error for unsupported codec")
	}
	if _, err := NewReader(Codec("lz4"), bytes.NewReader(nil)); err == nil {
		t.Error("expected error for unsupported codec")
	}
}

func TestParseCodec(t *testing.T) {
	testCases := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{in: "", want: Bzip2},
		{in: "bz2", want: Bzip2},
		{in: "gz", want: Gzip},
		{in: "zst", want: Zstd},
		{in: "xz", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseCodec(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseCodec(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseCodec(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
	if got := Zstd.Suffix(); got != ".zst" {
		t.Errorf("Suffix() = %q, want .zst", got)
	}
}

func TestLevelJSON(t *testing.T) {
	var cfg struct {
		Codec Codec `json:"codec"`
		Level Level `json:"level"`
	}
	if err := json.Unmarshal([]byte(`{"codec":"gz","level":"fastest"}`), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if cfg.Codec != Gzip || cfg.Level != Fastest {
		t.Errorf("got %+v", cfg)
	}
	if err := json.Unmarshal([]byte(`{"level":"ultra"}`), &cfg); err == nil {
		t.Error("expected error for unknown level")
	}
	if l, _ := ParseLevel(""); l != Best {
		t.Errorf("ParseLevel(\"\") = %q, want best", l)
	}

	out, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != `{"codec":"gz","level":"fastest"}` {
		t.Errorf("Marshal = %s", out)
	}
}
