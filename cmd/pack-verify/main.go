package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"bitbucket.org/mmdatafocus/valuation_backend/models"
)

// Verifies a pack's artifact rows against the files on disk: presence, size
// and checksum. Read-only.
func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	packID := flag.Int("pack-id", 0, "Required: report_packs.id to verify")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" || *packID <= 0 {
		fmt.Fprintln(os.Stderr, "--business-id and --pack-id are required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	pack, err := models.GetReportPackById(db, *businessID, *packID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pack not found: %v\n", err)
		os.Exit(1)
	}
	artifacts, err := models.GetPackArtifacts(db, pack.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load artifacts: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("pack=%d assignment=%d template=%q version=%d status=%s artifacts=%d\n",
		pack.ID, pack.AssignmentId, pack.TemplateKey, pack.Version, pack.Status, len(artifacts))

	bad := 0
	for _, a := range artifacts {
		status := "ok"
		switch size, sum, err := hashFile(a.StoragePath); {
		case err != nil:
			status = "missing: " + err.Error()
			bad++
		case size != a.Size:
			status = fmt.Sprintf("size mismatch: disk=%d db=%d", size, a.Size)
			bad++
		case a.Checksum != nil && sum != *a.Checksum:
			status = "checksum mismatch"
			bad++
		}
		fmt.Printf("  [%s] %-20s %-40s %s\n", a.Kind, a.PartName, a.FileName, status)
	}

	if bad > 0 {
		fmt.Fprintf(os.Stderr, "%d artifact(s) failed verification\n", bad)
		os.Exit(2)
	}
	fmt.Println("all artifacts verified")
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
