package devstore

import (
	"context"
	"log/slog"
	"path"
	"strings"
)

const (
	directionGet = "get"
	directionPut = "put"
)

// fileTypeOther is the file type of keys without an extension.
const fileTypeOther = "other"

// fileType derives the statistics bucket of key from its extension.
func fileType(key string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
	if ext == "" || strings.HasSuffix(key, "/") {
		return fileTypeOther
	}
	return ext
}

// recordRequest adds one transfer of size bytes to the statistics of the
// file type of key. Failures are only logged.
func (s *Server) recordRequest(ctx context.Context, direction string, key string, size int64) {
	_, err := s.Db.ExecContext(ctx,
		`INSERT INTO request_stats(direction, filetype, bytes, count) VALUES(?, ?, ?, 1)
		 ON CONFLICT(direction, filetype) DO UPDATE SET
		 	bytes=bytes+excluded.bytes,
		 	count=count+1`,
		direction, fileType(key), size,
	)
	if err != nil {
		slog.Warn("Record request statistics", "direction", direction, "key", key, "err", err)
	}
}

type typeStat struct {
	FileType string `json:"filetype"`
	Value    int64  `json:"value"`
}

type requestOverview struct {
	GetBytes []typeStat `json:"get_obj_bytes"`
	PutBytes []typeStat `json:"put_obj_bytes"`
	GetCount []typeStat `json:"get_obj_count"`
	PutCount []typeStat `json:"put_obj_count"`
}

func (s *Server) requestOverview(ctx context.Context) (*requestOverview, error) {
	rows, err := s.Db.QueryContext(ctx, `SELECT direction, filetype, bytes, count FROM request_stats ORDER BY filetype`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	overview := &requestOverview{
		GetBytes: []typeStat{},
		PutBytes: []typeStat{},
		GetCount: []typeStat{},
		PutCount: []typeStat{},
	}
	for rows.Next() {
		var (
			direction, filetype string
			bytes, count        int64
		)
		if err := rows.Scan(&direction, &filetype, &bytes, &count); err != nil {
			return nil, err
		}
		switch direction {
		case directionGet:
			overview.GetBytes = append(overview.GetBytes, typeStat{filetype, bytes})
			overview.GetCount = append(overview.GetCount, typeStat{filetype, count})
		case directionPut:
			overview.PutBytes = append(overview.PutBytes, typeStat{filetype, bytes})
			overview.PutCount = append(overview.PutCount, typeStat{filetype, count})
		}
	}
	return overview, rows.Err()
}
