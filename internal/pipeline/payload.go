package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/couchcryptid/wx-cache-service/internal/codec"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/keys"
	"github.com/klauspost/compress/gzip"
)

// maxPayloadBytes caps the decompressed size of one bulk file.
const maxPayloadBytes = 512 << 20

var gzipMagic = []byte{0x1f, 0x8b}

// Decompress gunzips raw when it carries the gzip magic and returns it
// unchanged otherwise.
func Decompress(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, gzipMagic) {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	if len(out) > maxPayloadBytes {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxPayloadBytes)
	}
	return out, nil
}

// backupObjectName is {prefix}/{YYYYMMDD}/{HHMMSS}/{filename}, with the file
// name taken from the source URL path.
func backupObjectName(prefix, source string, kind domain.Kind, at time.Time) string {
	name := string(kind)
	if u, err := url.Parse(source); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			name = base
		}
	}
	at = at.UTC()
	return path.Join(prefix, at.Format("20060102"), at.Format("150405"), name)
}

// buildWrites plans one write per record. When a batch repeats a key the later
// record replaces the earlier one in place. A record that cannot be encoded is
// dropped with a warning.
func buildWrites(records []domain.Record, ttl time.Duration) ([]keys.Write, []codec.Warning) {
	writes := make([]keys.Write, 0, len(records))
	seen := make(map[string]int, len(records))
	var dropped []codec.Warning
	for i, r := range records {
		w, err := keys.Build(r, ttl)
		if err != nil {
			dropped = append(dropped, codec.Warning{Index: i, ID: r.ID, Reason: err.Error()})
			continue
		}
		if i, dup := seen[w.Key]; dup {
			writes[i] = w
			continue
		}
		seen[w.Key] = len(writes)
		writes = append(writes, w)
	}
	return writes, dropped
}

func chunks(writes []keys.Write, size int) [][]keys.Write {
	if size <= 0 {
		size = len(writes)
	}
	var out [][]keys.Write
	for start := 0; start < len(writes); start += size {
		end := min(start+size, len(writes))
		out = append(out, writes[start:end])
	}
	return out
}
