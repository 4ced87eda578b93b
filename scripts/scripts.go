// Package scripts holds the local side of script management: checking a
// Sieve script before it is uploaded and fingerprinting script content so
// unchanged scripts are not sent again.
package scripts

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/foxcpp/go-sieve"
	"lukechampine.com/blake3"
)

// SupportedExtensions lists the Sieve extensions the local checker
// understands. Core RFC 5228 commands are always available.
var SupportedExtensions = []string{
	"fileinto",
	"envelope",
	"encoded-character",
	"comparator-i;octet",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
	"comparator-i;unicode-casemap",
	"imap4flags",
	"variables",
	"relational",
	"vacation",
	"copy",
	"regex",
}

// ValidateExtensions reports extensions the local checker does not know.
func ValidateExtensions(extensions []string) error {
	supported := make(map[string]bool, len(SupportedExtensions))
	for _, ext := range SupportedExtensions {
		supported[ext] = true
	}

	var invalid []string
	for _, ext := range extensions {
		if !supported[strings.ToLower(ext)] {
			invalid = append(invalid, ext)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("unsupported SIEVE extensions: %s (supported: %s)",
			strings.Join(invalid, ", "),
			strings.Join(SupportedExtensions, ", "))
	}
	return nil
}

// Intersect returns the extensions present in both lists, in the order of
// local. It narrows the local check to what the server advertises.
func Intersect(local, server []string) []string {
	offered := make(map[string]bool, len(server))
	for _, ext := range server {
		offered[strings.ToLower(ext)] = true
	}
	var out []string
	for _, ext := range local {
		if offered[strings.ToLower(ext)] {
			out = append(out, ext)
		}
	}
	return out
}

// Check parses content with the given extensions enabled. An empty list
// enables every supported extension.
func Check(content []byte, extensions []string) error {
	if len(extensions) == 0 {
		extensions = SupportedExtensions
	} else if err := ValidateExtensions(extensions); err != nil {
		return err
	}

	options := sieve.DefaultOptions()
	options.EnabledExtensions = lower(extensions)
	if _, err := sieve.Load(bytes.NewReader(content), options); err != nil {
		return fmt.Errorf("script validation failed: %w", err)
	}
	return nil
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Digest returns a stable fingerprint of script content.
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Same reports whether two scripts are byte for byte identical.
func Same(a, b []byte) bool {
	return Digest(a) == Digest(b)
}

// NameFromPath derives a script name from a file name: the base name
// without a trailing ".sieve".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	if strings.EqualFold(filepath.Ext(base), ".sieve") {
		base = base[:len(base)-len(".sieve")]
	}
	return base
}
