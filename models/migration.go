package models

import (
	"fmt"
	"log"

	"github.com/vendcash/collections_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := MigrateSchema(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// MigrateSchema creates the tables and installs the append-only guard on collection_history.
func MigrateSchema(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Machine{},
		&Collection{},
		&CollectionHistory{},
		&CollectionHistoryPurge{},
	)
	if err != nil {
		return err
	}
	return installHistoryTriggers(db)
}

const historyImmutableMessage = "collection_history is append-only"

// historyDeleteDenied is true unless the collection holds a purge grant and a
// tombstone entry. The tombstone itself is never deletable, so history can only
// disappear behind a permanent record of the deletion.
const historyDeleteDenied = `NOT EXISTS (SELECT 1 FROM collection_history_purges p WHERE p.collection_id = OLD.collection_id)
	OR OLD.field_name = '` + HistoryFieldDeleted + `'
	OR NOT EXISTS (SELECT 1 FROM collection_history t WHERE t.collection_id = OLD.collection_id AND t.field_name = '` + HistoryFieldDeleted + `')`

func installHistoryTriggers(db *gorm.DB) error {
	var statements []string
	switch db.Dialector.Name() {
	case "mysql":
		statements = []string{
			"DROP TRIGGER IF EXISTS collection_history_block_update",
			`CREATE TRIGGER collection_history_block_update BEFORE UPDATE ON collection_history
FOR EACH ROW SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = '` + historyImmutableMessage + `'`,
			"DROP TRIGGER IF EXISTS collection_history_block_delete",
			`CREATE TRIGGER collection_history_block_delete BEFORE DELETE ON collection_history
FOR EACH ROW
BEGIN
	IF ` + historyDeleteDenied + ` THEN
		SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = '` + historyImmutableMessage + `';
	END IF;
END`,
		}
	case "sqlite":
		statements = []string{
			"DROP TRIGGER IF EXISTS collection_history_block_update",
			`CREATE TRIGGER collection_history_block_update BEFORE UPDATE ON collection_history
BEGIN
	SELECT RAISE(ABORT, '` + historyImmutableMessage + `');
END`,
			"DROP TRIGGER IF EXISTS collection_history_block_delete",
			`CREATE TRIGGER collection_history_block_delete BEFORE DELETE ON collection_history
WHEN ` + historyDeleteDenied + `
BEGIN
	SELECT RAISE(ABORT, '` + historyImmutableMessage + `');
END`,
		}
	default:
		return fmt.Errorf("no append-only triggers for dialect %q", db.Dialector.Name())
	}

	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("install history trigger: %w", err)
		}
	}
	return nil
}
