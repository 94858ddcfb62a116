package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/MIT-LCP/downcast/internal/message"
)

// contentHash renders msg to its BCP wire form and hashes it, standing
// in for the reference implementation's `_message_hash`
// (sha256(repr(msg))): a stable, content-only fingerprint used to
// recognize a message across process restarts, persisted in queue
// state and compared on load.
func contentHash(msg any) (string, error) {
	b, err := message.FormatMessage(msg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

const memberKeySep = "\x1f"

// memberKey identifies a (channel, message) pair the way the
// reference implementation's `(channel, message)` tuple does — two
// pushes of the same content on the same channel collapse to the same
// key — without requiring message to be comparable the way Go structs
// holding slices (WaveSamples) are not.
func memberKey(channel any, hash string) string {
	return fmt.Sprintf("%v%s%s", channel, memberKeySep, hash)
}

func splitMemberKey(mk string) (channel, hash string) {
	i := strings.LastIndex(mk, memberKeySep)
	if i < 0 {
		return mk, ""
	}
	return mk[:i], mk[i+len(memberKeySep):]
}
