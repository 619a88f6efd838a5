package versions

import (
	"log"

	"gorm.io/gorm"
)

// Migration_1_analysis_org_scope denormalizes the organization id onto
// analyses so status polls do not need to join through projects. Existing
// rows are backfilled from their project before the column becomes not null.
func Migration_1_analysis_org_scope(txn *gorm.DB) error {
	log.Println("adding organization scope to analyses")

	type Analysis struct {
		OrganizationId string `gorm:"type:uuid;index"`
	}

	if !txn.Migrator().HasColumn(&Analysis{}, "organization_id") {
		if err := txn.Migrator().AddColumn(&Analysis{}, "OrganizationId"); err != nil {
			return err
		}
	}

	err := txn.Exec(`
		UPDATE analyses
		SET organization_id = projects.organization_id
		FROM projects
		WHERE analyses.project_id = projects.id AND analyses.organization_id IS NULL
	`).Error
	if err != nil {
		return err
	}

	err = txn.Exec(`ALTER TABLE analyses ALTER COLUMN organization_id SET NOT NULL`).Error
	if err != nil {
		return err
	}

	log.Println("organization scope migration complete")

	return nil
}
