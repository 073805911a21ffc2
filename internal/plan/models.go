package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	id "heirloom/pkg/domain"
)

// Status is the plan version lifecycle. A version is draft only inside the
// build transaction; at most one version per user is current.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusCurrent    Status = "current"
	StatusSuperseded Status = "superseded"
)

// Artifact describes one rendered document in a version.
type Artifact struct {
	ContentHash     string // SHA-256 of the rendered bytes, hex
	ByteSize        int64
	RendererVersion string
}

// Version is an immutable, content-addressed snapshot of the user's estate
// documents.
type Version struct {
	ID               id.VersionID
	UserID           id.UserID
	VersionNumber    int
	SourceProposalID *id.ProposalID // nil for the initial baseline
	AnswersSnapshot  map[string]any
	Artifacts        map[id.DocType]Artifact
	PlanHash         string
	Status           Status
	CreatedAt        time.Time
	ActivatedAt      *time.Time
}

// ContentHash computes the hex SHA-256 of rendered document bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputePlanHash derives the version-level hash: SHA-256 over the
// lexicographically sorted (doc_type, content_hash) pairs joined by
// newlines. It is a pure function of the artifacts.
func ComputePlanHash(artifacts map[id.DocType]Artifact) string {
	lines := make([]string, 0, len(artifacts))
	for docType, artifact := range artifacts {
		lines = append(lines, fmt.Sprintf("%s:%s", docType, artifact.ContentHash))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
