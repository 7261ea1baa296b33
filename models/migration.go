package models

import (
	"log"

	"github.com/atahubbr/atahub_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Agency{},
		&Arp{}, &ArpItem{},
		&IngestRun{}, &IngestError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
