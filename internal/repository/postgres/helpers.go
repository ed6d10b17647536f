package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"dropvault/internal/repository"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// placeholders 生成 "$start,$start+1,..." 形式的占位符列表。
func placeholders(n, start int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(out, ",")
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	return json.Marshal(meta)
}

func requireAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}
