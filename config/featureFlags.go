package config

import (
	"os"
	"strings"
)

// StrictSignedRequestImmutability enables the hard guardrail:
// a request whose approval signature is set cannot be edited at all; the
// signature must be voided first. This is the default behavior; the flag
// exists only to disable it in controlled data-repair sessions.
//
// Set via env:
// - STRICT_SIGNED_REQUEST_IMMUTABLE=false (default true)
func StrictSignedRequestImmutability() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_SIGNED_REQUEST_IMMUTABLE")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// DocumentMaterializationEnabled toggles post-signature PDF materialization.
// When disabled the document collaborator is skipped and the advisory fields
// report "skipped".
//
// Set via env:
// - DOCUMENT_MATERIALIZATION=false
func DocumentMaterializationEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DOCUMENT_MATERIALIZATION")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
