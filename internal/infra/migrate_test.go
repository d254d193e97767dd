package infra

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propmove/migrations"
)

func TestSplitSQL_DropsCommentsAndBlanks(t *testing.T) {
	input := `-- header
CREATE TABLE a (id INT);

-- second
CREATE INDEX a_id ON a (id);
INSERT INTO a VALUES (1);
`
	stmts := SplitSQL(StripSQLComments(input))
	assert.Equal(t, []string{
		"CREATE TABLE a (id INT)",
		"CREATE INDEX a_id ON a (id)",
		"INSERT INTO a VALUES (1)",
	}, stmts)
}

func TestMigrationsEmbedded(t *testing.T) {
	content, err := fs.ReadFile(migrations.Files, "0001_init.sql")
	require.NoError(t, err)

	stmts := SplitSQL(StripSQLComments(string(content)))
	require.NotEmpty(t, stmts)
	joined := strings.Join(stmts, "\n")
	for _, table := range []string{"transport_requests", "driver_profiles", "pricing_rules", "driver_earnings", "transactions", "ratings", "pricing_audits"} {
		assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+table)
	}
}
