package sqlsource

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestQueryBuilderRange(t *testing.T) {
	q := newQuery("_export.wavesample_",
		[]string{"waveid", "timestamp"}, "sequencenumber", 500)
	mappingID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	applyRange(q, true, mappingID, RangeQuery{
		MappingID: mappingID,
		HasSeqGE:  true, SeqGE: 1000,
		HasSeqLT: true, SeqLT: 2000,
	})
	sql, args := q.build()

	if !strings.HasPrefix(sql, "SELECT waveid, timestamp FROM _export.wavesample_ WHERE") {
		t.Errorf("unexpected query prefix: %q", sql)
	}
	if !strings.Contains(sql, "mappingid = $1") {
		t.Errorf("expected mapping_id constraint, got %q", sql)
	}
	if !strings.Contains(sql, "sequencenumber >= $2") || !strings.Contains(sql, "sequencenumber < $3") {
		t.Errorf("expected sequence number range constraints, got %q", sql)
	}
	if !strings.HasSuffix(sql, "ORDER BY sequencenumber LIMIT 500") {
		t.Errorf("expected order/limit suffix, got %q", sql)
	}
	if len(args) != 3 {
		t.Errorf("expected 3 bound args, got %d: %v", len(args), args)
	}
}

func TestQueryBuilderNoConstraints(t *testing.T) {
	q := newQuery("_export.bedtag_", []string{"bedlabel", "tag"}, "timestamp", 0)
	sql, args := q.build()
	if sql != "SELECT bedlabel, tag FROM _export.bedtag_ ORDER BY timestamp" {
		t.Errorf("unexpected query: %q", sql)
	}
	if len(args) != 0 {
		t.Errorf("expected no args, got %v", args)
	}
}
