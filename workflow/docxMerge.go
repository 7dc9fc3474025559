package workflow

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Tag merge over the OOXML zip container. Templates carry {tag} placeholders
// and {#list}...{/list} row loops inside word/document.xml (and headers and
// footers). Entries outside word/ are copied through untouched.

var (
	tagPattern  = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)
	loopPattern = regexp.MustCompile(`(?s)\{#([A-Za-z0-9_.]+)\}(.*?)\{/([A-Za-z0-9_.]+)\}`)
)

// RenderDocx merges data into the template at templatePath and writes the
// result to outPath. The output directory is created if needed.
func RenderDocx(templatePath string, outPath string, data map[string]interface{}) error {
	reader, err := zip.OpenReader(templatePath)
	if err != nil {
		return fmt.Errorf("open template container: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	writer := zip.NewWriter(out)
	for _, entry := range reader.File {
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("read template entry %s: %w", entry.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read template entry %s: %w", entry.Name, err)
		}

		if isMergeableEntry(entry.Name) {
			content = []byte(mergeTemplateXML(string(content), data))
		}

		w, err := writer.Create(entry.Name)
		if err != nil {
			return err
		}
		if _, err := w.Write(content); err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return out.Close()
}

func isMergeableEntry(name string) bool {
	if name == "word/document.xml" {
		return true
	}
	base := filepath.Base(name)
	return strings.HasPrefix(name, "word/") &&
		(strings.HasPrefix(base, "header") || strings.HasPrefix(base, "footer")) &&
		strings.HasSuffix(base, ".xml")
}

// mergeTemplateXML expands loops first, then substitutes scalar tags.
// Unknown tags are left in place for the post-render placeholder scan.
func mergeTemplateXML(xml string, data map[string]interface{}) string {
	xml = loopPattern.ReplaceAllStringFunc(xml, func(match string) string {
		groups := loopPattern.FindStringSubmatch(match)
		openName, body, closeName := groups[1], groups[2], groups[3]
		if openName != closeName {
			return match
		}
		rows, ok := data[openName].([]map[string]string)
		if !ok {
			return match
		}
		var expanded strings.Builder
		for _, row := range rows {
			expanded.WriteString(tagPattern.ReplaceAllStringFunc(body, func(tag string) string {
				key := tagPattern.FindStringSubmatch(tag)[1]
				if v, ok := row[key]; ok {
					return xmlEscape(v)
				}
				return tag
			}))
		}
		return expanded.String()
	})

	return tagPattern.ReplaceAllStringFunc(xml, func(tag string) string {
		key := tagPattern.FindStringSubmatch(tag)[1]
		v, ok := data[key]
		if !ok {
			return tag
		}
		return xmlEscape(formatTemplateValue(v))
	})
}

// formatTemplateValue renders a data value for the document. Empty strings
// become "NA": absent inputs must degrade visibly, not fail the pipeline.
func formatTemplateValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return "NA"
		}
		return val
	case decimal.Decimal:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// placeholderScanPattern also catches leftover loop markers.
var placeholderScanPattern = regexp.MustCompile(`\{[#/]?([A-Za-z0-9_.]+)\}`)

// ScanUnresolvedPlaceholders reads a rendered document and reports leftover
// placeholder markers, excluding the allow-listed manual-fill prefixes.
// Returns the total count and up to five examples.
func ScanUnresolvedPlaceholders(docPath string, allowPrefixes []string) (int, []string, error) {
	reader, err := zip.OpenReader(docPath)
	if err != nil {
		return 0, nil, err
	}
	defer reader.Close()

	count := 0
	var samples []string
	for _, entry := range reader.File {
		if !isMergeableEntry(entry.Name) {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return count, samples, err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return count, samples, err
		}

		for _, match := range placeholderScanPattern.FindAllStringSubmatch(string(content), -1) {
			if isAllowedPlaceholder(match[1], allowPrefixes) {
				continue
			}
			count++
			if len(samples) < 5 {
				samples = append(samples, match[0])
			}
		}
	}
	return count, samples, nil
}

func isAllowedPlaceholder(name string, allowPrefixes []string) bool {
	for _, prefix := range allowPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
