package core

import (
	"encoding/hex"
	"go/format"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint identifies a target's command and dependency state at a point in time.
//
// Includes: normalized command, dependency value hashes, global hashes, seed, file hashes.
// Excludes: the target name, timestamps, machine-specific data.
//
// Two targets with the same Fingerprint are interchangeable for recovery.
type Fingerprint string

// String returns the string representation of the Fingerprint.
func (f Fingerprint) String() string { return string(f) }

// Short returns an abbreviated fingerprint for display.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// FingerprintParts holds the individual components of a fingerprint.
//
// They are recorded next to the fingerprint so that a later run can tell which
// class of input changed.
type FingerprintParts struct {
	CommandHash string            `json:"command_hash"`
	Deps        map[string]string `json:"deps,omitempty"`
	Globals     map[string]string `json:"globals,omitempty"`
	Seed        int64             `json:"seed"`
	Files       map[string]string `json:"files,omitempty"`
}

// FingerprintHasher computes deterministic fingerprints.
//
// The hash computation is designed to be:
//   - Deterministic: identical parts always produce identical fingerprints
//   - Content-based: dependency values and files are represented by content hashes
//   - Ordered: all maps are sorted by key before hashing
type FingerprintHasher struct{}

// NewFingerprintHasher creates a new FingerprintHasher.
func NewFingerprintHasher() *FingerprintHasher {
	return &FingerprintHasher{}
}

// Compute returns the fingerprint of parts.
//
// The fields are written in a fixed order:
//  1. Command hash
//  2. Sorted dependency (name, value hash) pairs
//  3. Sorted global (name, hash) pairs
//  4. Seed
//  5. Sorted file (path, hash) pairs
//
// All components are length-prefixed to prevent ambiguity.
func (h *FingerprintHasher) Compute(parts FingerprintParts) Fingerprint {
	hasher := blake3.New()

	writeUint := func(n uint64) {
		hasher.Write([]byte{
			byte(n >> 56),
			byte(n >> 48),
			byte(n >> 40),
			byte(n >> 32),
			byte(n >> 24),
			byte(n >> 16),
			byte(n >> 8),
			byte(n),
		})
	}
	writeField := func(data []byte) {
		writeUint(uint64(len(data)))
		hasher.Write(data)
	}
	writeMap := func(m map[string]string) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeUint(uint64(len(keys)))
		for _, k := range keys {
			writeField([]byte(k))
			writeField([]byte(m[k]))
		}
	}

	writeField([]byte(parts.CommandHash))
	writeMap(parts.Deps)
	writeMap(parts.Globals)
	writeUint(uint64(parts.Seed))
	writeMap(parts.Files)

	return Fingerprint(hex.EncodeToString(hasher.Sum(nil)))
}

// NormalizeCommand returns the canonical source form of a command expression.
//
// Spacing-only edits normalize to the same text.
// If the command does not parse, the trimmed source is returned unchanged; parse
// errors are reported by the analyzer.
func NormalizeCommand(command string) string {
	src := strings.TrimSpace(command)
	fset := token.NewFileSet()
	expr, err := parser.ParseExprFrom(fset, "", src, 0)
	if err != nil {
		return src
	}
	var b strings.Builder
	if err := format.Node(&b, fset, expr); err != nil {
		return src
	}
	return b.String()
}

// CommandHash returns the content hash of the normalized command.
func CommandHash(command string) string {
	return HashBytes([]byte(NormalizeCommand(command)))
}

// FunctionHash returns the content hash of a body-defined global function.
func FunctionHash(params []string, body string) string {
	return HashBytes([]byte("func(" + strings.Join(params, ",") + ") " + NormalizeCommand(body)))
}
