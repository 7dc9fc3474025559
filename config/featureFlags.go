package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Tenant-level stage gates (photo intelligence, PDF conversion) live on the
// business row. The flags below are process-level knobs only.

// PdfConvertConcurrency bounds concurrent headless converter invocations
// process-wide. The converter is not safe to run in parallel, so the default
// (and the usual production value) is 1.
//
// Set via env:
// - PDF_CONVERT_CONCURRENCY=1
func PdfConvertConcurrency() int {
	v := strings.TrimSpace(os.Getenv("PDF_CONVERT_CONCURRENCY"))
	if v == "" {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// PdfConvertTimeout bounds a single converter invocation.
//
// Set via env:
// - PDF_CONVERT_TIMEOUT_SECONDS=90
func PdfConvertTimeout() time.Duration {
	v := strings.TrimSpace(os.Getenv("PDF_CONVERT_TIMEOUT_SECONDS"))
	if v == "" {
		return 90 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 90 * time.Second
	}
	return time.Duration(n) * time.Second
}

// PlaceholderAllowPrefixes lists placeholder prefixes reserved for manual-fill
// zones; unresolved tags with these prefixes are not reported after a render.
//
// Set via env:
// - PLACEHOLDER_ALLOW_PREFIXES="manual_,sign_"
func PlaceholderAllowPrefixes() []string {
	raw := os.Getenv("PLACEHOLDER_ALLOW_PREFIXES")
	if strings.TrimSpace(raw) == "" {
		return []string{"manual_", "sign_"}
	}
	var prefixes []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}

// TemplateRoot is the base directory for template-family manifests and the
// template binaries they reference.
func TemplateRoot() string {
	if v := strings.TrimSpace(os.Getenv("TEMPLATE_ROOT")); v != "" {
		return v
	}
	return "./templates"
}

// ArtifactRoot is the base directory for generated artifact files.
func ArtifactRoot() string {
	if v := strings.TrimSpace(os.Getenv("ARTIFACT_ROOT")); v != "" {
		return v
	}
	return "./artifacts"
}
