package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/farplane/lodtiles/internal/registry"
	"github.com/farplane/lodtiles/internal/tile"
)

// FormatVersion identifies the bucket layout and key codec.
const FormatVersion = 1

const tokenFile = "token.zst"

// Token identifies everything that gives meaning to stored bytes. A store
// whose persisted token differs from the one it is opened with is discarded.
type Token struct {
	FormatVersion       int    `json:"format_version"`
	CodecVersion        int    `json:"codec_version"`
	RegistryFingerprint uint64 `json:"registry_fingerprint"`
}

// NewToken returns the token for the current layout and the given registry.
func NewToken(reg *registry.Registry) Token {
	return Token{
		FormatVersion:       FormatVersion,
		CodecVersion:        tile.CodecVersion,
		RegistryFingerprint: reg.Fingerprint(),
	}
}

// readToken returns the persisted token, or ok=false if none is readable.
func readToken(dir string) (tok Token, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, tokenFile))
	if errors.Is(err, os.ErrNotExist) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Token{}, false, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return Token{}, false, nil
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, false, nil
	}
	return tok, true, nil
}

func writeToken(dir string, tok Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	data := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return err
	}

	path := filepath.Join(dir, tokenFile)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return os.Rename(tempPath, path)
}
