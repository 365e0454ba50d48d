// Package publish implements the publish orchestrator: the one multi-backend
// transaction that stitches the Auth, Index, and Storage contracts together
// with correct partial-failure semantics.
package publish

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spokehub/registry/pkg/registry"
)

// maxMetadataLength guards against a client claiming an absurd metadata length
// and forcing an unbounded read before the real size check (on the tarball)
// ever runs.
const maxMetadataLength = 1 << 20 // 1 MiB of JSON metadata is already generous.

// DecodeFraming reads the publish request body's length-prefixed framing:
// 4 little-endian bytes giving the JSON metadata length, the metadata itself,
// 4 little-endian bytes giving the tarball length, then the tarball bytes.
// maxTarballLen bounds the tarball length prefix before the buffer for it is
// allocated — an http.MaxBytesReader on the body only caps the subsequent
// read, not this allocation, so a multi-gigabyte length prefix would
// otherwise be believed before a single tarball byte is read. Pass 0 to skip
// the bound (used by callers that don't yet know the limit).
func DecodeFraming(r io.Reader, maxTarballLen int64) (meta registry.PublishMetadata, tarball []byte, err error) {
	metaLen, err := readLength(r)
	if err != nil {
		return meta, nil, registry.BadRequest("failed to read metadata length", err)
	}
	if metaLen == 0 || metaLen > maxMetadataLength {
		return meta, nil, registry.BadRequest(fmt.Sprintf("metadata length %d out of bounds", metaLen), nil)
	}
	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBytes); err != nil {
		return meta, nil, registry.BadRequest("failed to read metadata body", err)
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return meta, nil, registry.BadRequest("failed to parse metadata JSON", err)
	}

	tarballLen, err := readLength(r)
	if err != nil {
		return meta, nil, registry.BadRequest("failed to read tarball length", err)
	}
	if maxTarballLen > 0 && int64(tarballLen) > maxTarballLen {
		return meta, nil, registry.PayloadTooLarge(
			fmt.Sprintf("tarball length %d exceeds the %d byte limit", tarballLen, maxTarballLen), nil)
	}
	tarball = make([]byte, tarballLen)
	if _, err := io.ReadFull(r, tarball); err != nil {
		return meta, nil, registry.BadRequest("failed to read tarball body", err)
	}
	return meta, tarball, nil
}

func readLength(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
