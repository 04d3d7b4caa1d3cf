package crypto

import (
	"crypto/sha1" //nolint:gosec // PBKDF2-SHA1 digests are keyed, not bare SHA-1
	"crypto/subtle"
	"hash/crc32"

	"golang.org/x/crypto/pbkdf2"
)

// ChecksumSize is the length of a record digest in bytes.
const ChecksumSize = 20

// Iterations derives the PBKDF2 cost for a record deterministically from its
// id and table name, diversifying digest cost across the keyspace.
func Iterations(id int64, table string) int {
	if id < 0 {
		id = -id
	}
	return 1000 + int(id%1361) + int(crc32.ChecksumIEEE([]byte(table))%397)
}

// Checksum stretches the canonical record string into a 20-byte digest keyed
// by the cipher's key.
func (c *Cipher) Checksum(raw string, iterations int) []byte {
	return pbkdf2.Key([]byte(raw), c.key[:], iterations, ChecksumSize, sha1.New)
}

// ChecksumEqual compares two digests in constant time.
func ChecksumEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
