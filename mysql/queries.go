package mysql

import "fmt"

const recordColumns = "id, partition_key, sequence, payload, headers, status, attempt_count, " +
	"claimed_by, claimed_at, not_before, created_at, last_error"

type queries struct {
	insert         string
	selectClaim    string
	markPublished  string
	markPending    string
	markFailed     string
	countPending   string
	listFailed     string
	listFailedPart string
}

func newQueries(table string) queries {
	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (id, partition_key, payload, headers, not_before) VALUES (?, ?, ?, ?, ?)",
			table,
		),
		selectClaim: fmt.Sprintf(
			"SELECT %s FROM %s WHERE partition_key = ? AND status IN (?, ?) ORDER BY sequence ASC LIMIT ? FOR UPDATE",
			recordColumns,
			table,
		),
		markPublished: fmt.Sprintf(
			"UPDATE %s SET status = ?, attempt_count = ?, last_error = NULL, processed_at = ? WHERE id = ? AND status = ?",
			table,
		),
		markPending: fmt.Sprintf(
			"UPDATE %s SET status = ?, attempt_count = ?, last_error = ?, claimed_by = NULL, claimed_at = NULL "+
				"WHERE id = ? AND status = ?",
			table,
		),
		markFailed: fmt.Sprintf(
			"UPDATE %s SET status = ?, attempt_count = ?, last_error = ?, processed_at = ? WHERE id = ? AND status = ?",
			table,
		),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", table),
		listFailed: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = ? ORDER BY sequence ASC LIMIT ?",
			recordColumns,
			table,
		),
		listFailedPart: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = ? AND partition_key = ? ORDER BY sequence ASC LIMIT ?",
			recordColumns,
			table,
		),
	}
}

func buildClaimQuery(table string, count int) string {
	return fmt.Sprintf(
		"UPDATE %s SET status = ?, claimed_by = ?, claimed_at = ? WHERE id IN (%s)",
		table,
		makePlaceholders(count),
	)
}

func buildReplayQuery(table string, count int) string {
	return fmt.Sprintf(
		"UPDATE %s SET status = ?, attempt_count = 0, last_error = NULL, claimed_by = NULL, claimed_at = NULL, "+
			"processed_at = NULL WHERE status = ? AND id IN (%s)",
		table,
		makePlaceholders(count),
	)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
