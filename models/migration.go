package models

import (
	"log"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{},
		&Assignment{}, &AssignmentFieldValue{}, &EvidenceLink{}, &Document{},
		&GenerationJob{}, &ReportPack{}, &ReportPackArtifact{},
		&History{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
