package compress

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCodecs_StreamThrough(t *testing.T) {
	payload := strings.Repeat("COPY public.accounts (id, name) FROM stdin;\n1\ta\n\\.\n", 50)

	for _, name := range []string{Gzip, Zstd, None} {
		t.Run(name, func(t *testing.T) {
			codec, err := Lookup(name)
			if err != nil {
				t.Fatalf("Lookup(%q): %v", name, err)
			}

			var buf bytes.Buffer
			w, err := codec.NewWriter(&buf)
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}
			if _, err := io.WriteString(w, payload); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("close writer: %v", err)
			}

			r, err := ForFilename("backup_x.sql" + codec.Extension()).NewReader(&buf)
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != payload {
				t.Errorf("payload changed through %s codec", name)
			}
		})
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, err := Lookup("lz4"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}
