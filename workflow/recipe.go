package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"github.com/go-playground/validator/v10"
)

// RecipePart is one template part of a family. Required parts abort the whole
// job on render failure; optional parts degrade to a warning.
type RecipePart struct {
	Name        string `json:"name" validate:"required"`
	TemplateRef string `json:"template" validate:"required"`
	Required    bool   `json:"required"`
}

// Recipe is the validated, ordered part list for one template family,
// plus the manifest hash for artifact traceability.
type Recipe struct {
	FamilyKey    string
	BankFamily   string
	ReportType   string
	SlabRule     string
	PhotoPart    string
	Parts        []RecipePart
	TemplateHash string
}

type recipeManifest struct {
	BankFamily string       `json:"bank_family" validate:"required"`
	ReportType string       `json:"report_type" validate:"required"`
	SlabRule   string       `json:"slab_rule"`
	PhotoPart  string       `json:"photo_part"`
	Parts      []RecipePart `json:"parts" validate:"required,min=1,dive"`
}

var validate = validator.New()

// ResolveFamilyKey picks the template family for a job. An explicit template
// key wins; otherwise the bank flags select the family.
func ResolveFamilyKey(templateKey string, flags BankFlags) string {
	if templateKey != "" {
		return templateKey
	}
	switch {
	case flags.IsSbi:
		return "sbi"
	case flags.IsBoi:
		return "boi"
	case flags.IsCoop:
		return "coop"
	default:
		return "general"
	}
}

// ResolveRecipe loads and validates the family manifest from
// <root>/<familyKey>/manifest.json, with a Redis read-through cache.
// A missing or invalid manifest is a *ConfigurationError: fatal for the job.
func ResolveRecipe(root string, familyKey string) (*Recipe, error) {
	cacheKey := "recipeManifest:" + familyKey
	var cached Recipe
	exists, err := config.GetRedisObject(cacheKey, &cached)
	if err == nil && exists && len(cached.Parts) > 0 {
		return &cached, nil
	}

	manifestPath := filepath.Join(root, familyKey, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigurationError{FamilyKey: familyKey, Reason: "manifest not found"}
		}
		return nil, &ConfigurationError{FamilyKey: familyKey, Reason: fmt.Sprintf("manifest unreadable: %v", err)}
	}

	var manifest recipeManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, &ConfigurationError{FamilyKey: familyKey, Reason: fmt.Sprintf("manifest is not valid JSON: %v", err)}
	}
	if err := validate.Struct(&manifest); err != nil {
		return nil, &ConfigurationError{FamilyKey: familyKey, Reason: fmt.Sprintf("manifest failed validation: %v", err)}
	}

	sum := sha256.Sum256(raw)
	recipe := &Recipe{
		FamilyKey:    familyKey,
		BankFamily:   manifest.BankFamily,
		ReportType:   manifest.ReportType,
		SlabRule:     manifest.SlabRule,
		PhotoPart:    manifest.PhotoPart,
		Parts:        manifest.Parts,
		TemplateHash: hex.EncodeToString(sum[:]),
	}

	if err := config.SetRedisObject(cacheKey, recipe, 0); err != nil {
		return nil, err
	}
	return recipe, nil
}
