package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// case_id and code_ids are nullable; scanning a bare NULL into the
// string fields would abort the whole selection on the first such row.
func TestFileColumnsCoalesceNullables(t *testing.T) {
	assert.Contains(t, fileColumns, "COALESCE(case_id, '')")
	assert.Contains(t, fileColumns, "COALESCE(code_ids, '{}')")
}
