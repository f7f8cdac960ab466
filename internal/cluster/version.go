package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Version tags are opaque to drives but encode the unpadded value length so
// readers can trim erasure-coding padding after decoding: "<uuid>=<length>".

// newVersion generates a fresh version tag for a value of the given length.
func newVersion(valueSize int) string {
	return uuid.New().String() + "=" + strconv.Itoa(valueSize)
}

// decodeVersionSize extracts the value length encoded in a version tag.
func decodeVersionSize(version string) (int, error) {
	idx := strings.LastIndexByte(version, '=')
	if idx < 0 {
		return 0, fmt.Errorf("version %q does not encode a size", version)
	}
	size, err := strconv.Atoi(version[idx+1:])
	if err != nil || size < 0 {
		return 0, fmt.Errorf("version %q encodes an invalid size", version)
	}
	return size, nil
}
