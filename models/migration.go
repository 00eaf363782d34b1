package models

import (
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"github.com/sirupsen/logrus"
)

// schemaTables lists every table in dependency order: plants and users first,
// then master data, the ledger, production, lab and certificates.
var schemaTables = []any{
	&Plant{}, &Role{}, &User{}, &UserRole{},
	&Customer{}, &Item{}, &PurchaseOrder{},
	&Standard{}, &StandardParameter{},
	&Heat{}, &InventoryMovement{},
	&WorkOrder{},
	&LabResult{}, &LabResultParameter{},
	&TestCertificate{}, &TestCertificateVersion{},
	&OverrideLog{},
	&CertificateOutboxRecord{},
	&IdempotencyKey{},
}

// MigrateTable creates or alters every table. A failure stops the process.
func MigrateTable() {
	start := time.Now()
	if err := config.GetDB().AutoMigrate(schemaTables...); err != nil {
		config.GetLogger().WithField("field", "migration").Fatal("auto migrate: " + err.Error())
	}
	config.GetLogger().WithFields(logrus.Fields{
		"field":    "migration",
		"tables":   len(schemaTables),
		"duration": time.Since(start).String(),
	}).Info("schema migrated")
}
