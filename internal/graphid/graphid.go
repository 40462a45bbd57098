// Package graphid implements the identifier grammar for graph databases.
//
// Three identifier classes exist:
//   - user graphs: "kg" followed by 16+ lowercase hex characters
//   - shared repositories: a fixed lowercase word from a closed set
//   - subgraphs: "<parent>_<name>" where parent is a user-graph ID and
//     name is 1-20 alphanumeric characters
//
// The database name on disk always equals the logical graph ID, subgraphs
// included.
package graphid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	apperrors "graphplane-backend/pkg/errors"
)

// Kind classifies a parsed identifier.
type Kind int

const (
	KindInvalid Kind = iota
	KindParent
	KindShared
	KindSubgraph
)

func (k Kind) String() string {
	switch k {
	case KindParent:
		return "parent"
	case KindShared:
		return "shared"
	case KindSubgraph:
		return "subgraph"
	default:
		return "invalid"
	}
}

// Parsed is the result of decomposing a graph identifier.
type Parsed struct {
	Kind Kind
	// Parent is the user-graph ID for KindParent, or the parent part for
	// KindSubgraph. Empty otherwise.
	Parent string
	// Name is the subgraph name for KindSubgraph. Empty otherwise.
	Name string
}

var (
	userGraphPattern    = regexp.MustCompile(`^kg[0-9a-f]{16,}$`)
	subgraphNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]{1,20}$`)

	// sharedRepositories is the closed set of well-known public dataset
	// names. Shared names never decompose into subgraphs.
	sharedRepositories = map[string]struct{}{
		"sec":        {},
		"industry":   {},
		"economic":   {},
		"regulatory": {},
		"market":     {},
		"esg":        {},
		"stock":      {},
		"reference":  {},
	}
)

// Parse classifies a graph identifier. Precedence: the closed shared set
// wins first, then the underscore split, then the plain user-graph form.
func Parse(s string) Parsed {
	if s == "" {
		return Parsed{Kind: KindInvalid}
	}

	if _, ok := sharedRepositories[s]; ok {
		return Parsed{Kind: KindShared}
	}

	if idx := strings.Index(s, "_"); idx >= 0 {
		parent, name := s[:idx], s[idx+1:]
		if userGraphPattern.MatchString(parent) && subgraphNamePattern.MatchString(name) {
			return Parsed{Kind: KindSubgraph, Parent: parent, Name: name}
		}
		return Parsed{Kind: KindInvalid}
	}

	if userGraphPattern.MatchString(s) {
		return Parsed{Kind: KindParent, Parent: s}
	}

	return Parsed{Kind: KindInvalid}
}

// DatabaseName returns the on-disk database name for a graph ID. It is
// the identifier unchanged, subgraphs included.
func DatabaseName(graphID string) string {
	return graphID
}

// IsShared reports whether the ID names a shared repository.
func IsShared(graphID string) bool {
	return Parse(graphID).Kind == KindShared
}

// IsSubgraph reports whether the ID is a subgraph ID.
func IsSubgraph(graphID string) bool {
	return Parse(graphID).Kind == KindSubgraph
}

// IsParent reports whether the ID is a plain user-graph ID.
func IsParent(graphID string) bool {
	return Parse(graphID).Kind == KindParent
}

// ParentOf returns the parent graph ID for a subgraph ID, or the ID
// itself for a parent ID. Shared and invalid IDs return an error.
func ParentOf(graphID string) (string, error) {
	switch p := Parse(graphID); p.Kind {
	case KindParent:
		return graphID, nil
	case KindSubgraph:
		return p.Parent, nil
	case KindShared:
		return "", apperrors.NewClient(fmt.Sprintf("shared repository %q has no parent", graphID))
	default:
		return "", apperrors.NewClient(fmt.Sprintf("invalid graph ID %q", graphID))
	}
}

// ConstructSubgraph validates the parts and emits "<parent>_<name>".
func ConstructSubgraph(parent, name string) (string, error) {
	if !userGraphPattern.MatchString(parent) {
		return "", apperrors.NewClient(fmt.Sprintf("invalid parent graph ID %q", parent))
	}
	if _, ok := sharedRepositories[parent]; ok {
		return "", apperrors.NewClient("shared repositories cannot have subgraphs")
	}
	if !subgraphNamePattern.MatchString(name) {
		return "", apperrors.NewClient(fmt.Sprintf("invalid subgraph name %q: must be 1-20 alphanumeric characters", name))
	}
	return parent + "_" + name, nil
}

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// GenerateUniqueName derives a subgraph name from base that is unique
// among existing subgraph IDs of parent. The base is stripped of
// non-alphanumeric characters, truncated to 17 characters and suffixed
// with a counter from 1 to 99.
func GenerateUniqueName(parent, base string, existing []string) (string, error) {
	cleaned := nonAlphanumeric.ReplaceAllString(base, "")
	if cleaned == "" {
		cleaned = "subgraph"
	}
	if len(cleaned) > 17 {
		cleaned = cleaned[:17]
	}

	taken := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		taken[id] = struct{}{}
	}

	for i := 1; i <= 99; i++ {
		candidate := fmt.Sprintf("%s%d", cleaned, i)
		id, err := ConstructSubgraph(parent, candidate)
		if err != nil {
			return "", err
		}
		if _, ok := taken[id]; !ok {
			return candidate, nil
		}
	}

	return "", apperrors.NewClient(fmt.Sprintf("could not generate a unique subgraph name for base %q", base))
}

// NewUserGraphID generates a fresh user-graph ID: "kg" plus 16 random
// lowercase hex characters.
func NewUserGraphID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("graphid: rand.Read: %v", err))
	}
	return "kg" + hex.EncodeToString(buf)
}
