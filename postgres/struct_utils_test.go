package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type auditedRow struct {
	ID        uuid.UUID `db:"id"`
	CreatedAt time.Time `db:"created_at"`
}

type taggedRow struct {
	auditedRow
	Code     string `db:"code"`
	Name     string `db:"name"`
	Internal string `db:"-"`
	NoTag    string
}

func TestExtractDBColumns(t *testing.T) {
	cols := ExtractDBColumns[taggedRow]()

	assert.Equal(t, []string{"id", "created_at", "code", "name"}, cols)
}

func TestExtractDBColumns_Pointer(t *testing.T) {
	cols := ExtractDBColumns[*taggedRow]()

	assert.Contains(t, cols, "id")
	assert.Contains(t, cols, "code")
}

func TestExtractDBColumns_NonStruct(t *testing.T) {
	assert.Empty(t, ExtractDBColumns[int]())
}

func TestStructToMap(t *testing.T) {
	rowID := uuid.New()
	now := time.Now().UTC()
	row := taggedRow{
		auditedRow: auditedRow{ID: rowID, CreatedAt: now},
		Code:       "GX-1",
		Name:       "gearbox",
		Internal:   "hidden",
		NoTag:      "ignored",
	}

	m := StructToMap(row)

	assert.Equal(t, rowID, m["id"])
	assert.Equal(t, now, m["created_at"])
	assert.Equal(t, "GX-1", m["code"])
	assert.Equal(t, "gearbox", m["name"])
	assert.Len(t, m, 4, "untagged and ignored fields must not appear")
}

func TestStructToMap_PointerInput(t *testing.T) {
	row := &taggedRow{Code: "GX-2"}

	m := StructToMap(row)
	assert.Equal(t, "GX-2", m["code"])
}

func TestStructToMap_NonStruct(t *testing.T) {
	assert.Nil(t, StructToMap(42))
	assert.Nil(t, StructToMap("nope"))
}
