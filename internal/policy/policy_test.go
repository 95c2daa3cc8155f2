package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanoutctl/internal/domain"
)

func TestClassifySQL_SplitsOnTopLevelSemicolons(t *testing.T) {
	stmts, cats, err := ClassifySQL(`SELECT 1; INSERT INTO t VALUES (1); UPDATE t SET x = 1 WHERE id = 1;`)
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	assert.Equal(t, []domain.StatementCategory{
		domain.CategorySelect, domain.CategoryWrite, domain.CategoryWrite,
	}, cats)
}

func TestClassifySQL_IgnoresSemicolonsInsideQuotedStrings(t *testing.T) {
	stmts, _, err := ClassifySQL(`INSERT INTO t (msg) VALUES ('a; b'); SELECT 1;`)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "a; b")
}

func TestClassifySQL_IgnoresSemicolonsInsideDollarQuotedBody(t *testing.T) {
	sql := `CREATE FUNCTION f() RETURNS void AS $$ BEGIN SELECT 1; END; $$ LANGUAGE plpgsql;`
	stmts, _, err := ClassifySQL(sql)
	require.NoError(t, err)
	require.Len(t, stmts, 1)
}

func TestClassifySQL_StripsCommentsBeforeClassifying(t *testing.T) {
	stmtsWith, catsWith, err := ClassifySQL("-- delete everything\nSELECT 1;")
	require.NoError(t, err)
	stmtsWithout, catsWithout, err := ClassifySQL("SELECT 1;")
	require.NoError(t, err)
	assert.Equal(t, catsWithout, catsWith)
	assert.Equal(t, stmtsWithout[0], stmtsWith[0]) // comment already gone from stmtsWith
	assert.Equal(t, domain.CategorySelect, catsWith[0])
}

func TestClassifySQL_UpdateWithWhereIsWrite(t *testing.T) {
	_, cats, err := ClassifySQL("UPDATE users SET active = false WHERE id = 5;")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryWrite, cats[0])
}

func TestClassifySQL_UpdateWithoutWhereIsUnboundedUpdate(t *testing.T) {
	_, cats, err := ClassifySQL("UPDATE users SET active = false;")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryDMLUnboundedUpdate, cats[0])
}

func TestClassifySQL_DeleteWithWhereIsDangerous(t *testing.T) {
	_, cats, err := ClassifySQL("DELETE FROM users WHERE id = 5;")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryDMLDestructive, cats[0])
	assert.True(t, cats[0].IsDangerous())
}

func TestClassifySQL_TruncateAndDropAreDDLDestructive(t *testing.T) {
	_, cats, err := ClassifySQL("TRUNCATE TABLE users; DROP TABLE sessions;")
	require.NoError(t, err)
	assert.Equal(t, []domain.StatementCategory{domain.CategoryDDLDestructive, domain.CategoryDDLDestructive}, cats)
}

func TestClassifySQL_BlockedSystemStatements(t *testing.T) {
	_, cats, err := ClassifySQL("DROP DATABASE prod;")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryBlockedSystem, cats[0])
}

func TestClassifySQL_TransactionControl(t *testing.T) {
	_, cats, err := ClassifySQL("BEGIN; COMMIT;")
	require.NoError(t, err)
	assert.Equal(t, []domain.StatementCategory{
		domain.CategoryTransactionControl, domain.CategoryTransactionControl,
	}, cats)
}

func TestAuthorize_ReaderCanOnlySelect(t *testing.T) {
	d := Authorize(domain.RoleReader, []domain.StatementCategory{domain.CategorySelect})
	assert.True(t, d.Allowed)

	d = Authorize(domain.RoleReader, []domain.StatementCategory{domain.CategoryWrite})
	assert.False(t, d.Allowed)
}

func TestAuthorize_UserCannotRunDestructiveDML(t *testing.T) {
	d := Authorize(domain.RoleUser, []domain.StatementCategory{domain.CategoryDMLDestructive})
	assert.False(t, d.Allowed)
}

func TestAuthorize_MasterDangerousStatementRequiresReauth(t *testing.T) {
	d := Authorize(domain.RoleMaster, []domain.StatementCategory{domain.CategorySelect, domain.CategoryDMLDestructive})
	assert.True(t, d.Allowed)
	assert.True(t, d.RequiresPasswordReauth)
}

func TestAuthorize_BlockedSystemAlwaysDenied(t *testing.T) {
	d := Authorize(domain.RoleMaster, []domain.StatementCategory{domain.CategoryBlockedSystem})
	assert.False(t, d.Allowed)
}

func TestAuthorize_OneDeniedStatementDeniesWholeBatch(t *testing.T) {
	d := Authorize(domain.RoleUser, []domain.StatementCategory{domain.CategorySelect, domain.CategoryDMLUnboundedUpdate})
	assert.False(t, d.Allowed)
}

func TestClassifyRedisCommand_BlockedCommandDeniedForAllRoles(t *testing.T) {
	for _, role := range []domain.Role{domain.RoleMaster, domain.RoleUser, domain.RoleReader} {
		d := ClassifyRedisCommand(role, "FLUSHALL", nil, false)
		assert.False(t, d.Allowed, "role %s", role)
	}
}

func TestClassifyRedisCommand_RawRequiresMaster(t *testing.T) {
	d := ClassifyRedisCommand(domain.RoleUser, "SET", []string{"k", "v"}, true)
	assert.False(t, d.Allowed)

	d = ClassifyRedisCommand(domain.RoleMaster, "SET", []string{"k", "v"}, true)
	assert.True(t, d.Allowed)
}

func TestClassifyRedisCommand_ReaderCannotWrite(t *testing.T) {
	d := ClassifyRedisCommand(domain.RoleReader, "SET", []string{"k", "v"}, false)
	assert.False(t, d.Allowed)

	d = ClassifyRedisCommand(domain.RoleReader, "GET", []string{"k"}, false)
	assert.True(t, d.Allowed)
}

func TestClassifyRedisCommand_WildcardOnlyScanPatternRejected(t *testing.T) {
	d := ClassifyRedisCommand(domain.RoleMaster, "SCAN", []string{"0", "MATCH", "*"}, false)
	assert.False(t, d.Allowed)
}

func TestClassifyRedisCommand_NulByteRejected(t *testing.T) {
	d := ClassifyRedisCommand(domain.RoleMaster, "SET", []string{"k", "v\x00alue"}, false)
	assert.False(t, d.Allowed)
}

func TestClassifyRedisCommand_PatternLengthLimit(t *testing.T) {
	long := make([]byte, maxPatternLen+1)
	for i := range long {
		long[i] = 'a'
	}
	d := ClassifyRedisCommand(domain.RoleMaster, "SCAN", []string{"0", "MATCH", string(long)}, false)
	assert.False(t, d.Allowed)
}

func TestIsValidIdentifier(t *testing.T) {
	assert.True(t, IsValidIdentifier("public"))
	assert.True(t, IsValidIdentifier("_private"))
	assert.False(t, IsValidIdentifier("bad-name"))
	assert.False(t, IsValidIdentifier("1leading"))
}
