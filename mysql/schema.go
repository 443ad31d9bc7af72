package mysql

import "fmt"

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	sequence BIGINT NOT NULL AUTO_INCREMENT,
	id BINARY(16) NOT NULL,
	partition_key VARCHAR(255) NOT NULL,
	payload %s NOT NULL,
	headers JSON NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	attempt_count INT NOT NULL DEFAULT 0,
	claimed_by VARCHAR(255) NULL,
	claimed_at TIMESTAMP(6) NULL,
	not_before TIMESTAMP(6) NULL,
	last_error VARCHAR(1024) NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	processed_at TIMESTAMP(6) NULL,
	PRIMARY KEY (sequence),
	UNIQUE KEY uq_id (id),
	INDEX idx_partition_status_sequence (partition_key, status, sequence),
	INDEX idx_status_sequence (status, sequence)
);`

const leaseSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	lease_key VARCHAR(255) NOT NULL,
	owner VARCHAR(255) NOT NULL,
	token CHAR(36) NOT NULL,
	expires_at TIMESTAMP(6) NOT NULL,
	PRIMARY KEY (lease_key)
);`

const (
	payloadJSON   = "JSON"
	payloadBinary = "LONGBLOB"
)

// Schema returns the outbox table schema with a LONGBLOB payload.
func Schema(table string) (string, error) {
	return buildSchema(schemaTemplate, table, payloadBinary)
}

// SchemaJSON returns the outbox table schema with a JSON payload.
func SchemaJSON(table string) (string, error) {
	return buildSchema(schemaTemplate, table, payloadJSON)
}

// LeaseSchema returns the lease table schema used by LeaseLocker.
func LeaseSchema(table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(leaseSchemaTemplate, name), nil
}

func buildSchema(template, table, payloadType string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(template, name, payloadType), nil
}
