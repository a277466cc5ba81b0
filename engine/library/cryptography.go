package library

import (
	"encoding/hex"

	"github.com/minio/sha256-simd"
)

func Sha256Sum(data []byte) Sha256 {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
