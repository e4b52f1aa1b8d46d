package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"
)

// DeployHost derives the fixed-width host label for a pipeline's public
// hostname. It is computed once at first rollout and persisted on the
// pipeline, so updates reuse the same hostname.
func DeployHost(t time.Time, userID, pipelineID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", t.UnixMilli(), userID, pipelineID)))
	return hex.EncodeToString(sum[:])[:10]
}

// rulePriority maps a host label onto a stable listener rule priority.
// Stability matters: re-running a rollout must not claim a second slot.
func rulePriority(host string) int {
	h := fnv.New32a()
	h.Write([]byte(host))
	return int(h.Sum32()%49000) + 100
}
