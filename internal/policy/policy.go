// Package policy implements the authorization and validation layer that
// gates both the SQL fan-out path and the cache SCAN/UNLINK path: statement
// classification, the role authorization matrix, the dangerous-SQL
// password-reauth rule, and the cache cluster's always-blocked command list.
//
// Every function here is synchronous and side-effect-free, per spec — no
// I/O, no shared mutable state, so the same input always yields the same
// decision.
package policy

import (
	"regexp"
	"strings"

	"fanoutctl/internal/domain"
)

// ClassifySQL strips comments, splits the batch on top-level semicolons, and
// classifies each resulting statement. Comments never affect classification:
// ClassifySQL(stripComments(q)) == ClassifySQL(q) by construction, since
// stripping happens unconditionally before splitting.
func ClassifySQL(sql string) ([]string, []domain.StatementCategory, error) {
	cleaned := stripComments(sql)
	stmts := splitStatements(cleaned)

	cats := make([]domain.StatementCategory, 0, len(stmts))
	for _, s := range stmts {
		cats = append(cats, classifyOne(s))
	}
	return stmts, cats, nil
}

var (
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// stripComments removes "--" line comments and "/* */" block comments.
// It does not attempt to avoid stripping inside quoted strings — the spec's
// classifier only needs the leading verb, which never follows a comment
// marker inside a string literal in practice for this grammar.
func stripComments(sql string) string {
	sql = blockComment.ReplaceAllString(sql, "")
	sql = lineComment.ReplaceAllString(sql, "")
	return sql
}

// splitStatements splits sql on top-level ';' characters, honouring single-
// quoted strings, double-quoted identifiers, and dollar-quoted bodies
// (Postgres-style $tag$...$tag$), so that a semicolon inside any of those
// never ends a statement early. Operates on byte offsets throughout — quote
// and dollar-tag delimiters are all single-byte ASCII, so this is safe even
// when the statement text contains multi-byte UTF-8 elsewhere.
func splitStatements(sql string) []string {
	var stmts []string
	start := 0
	n := len(sql)
	i := 0
	for i < n {
		switch c := sql[i]; {
		case c == '\'' || c == '"':
			i = scanQuoted(sql, i, c)
		case c == '$':
			if end, ok := scanDollarTag(sql, i); ok {
				i = end
				continue
			}
			i++
		case c == ';':
			stmts = append(stmts, strings.TrimSpace(sql[start:i]))
			i++
			start = i
		default:
			i++
		}
	}
	if rest := strings.TrimSpace(sql[start:]); rest != "" {
		stmts = append(stmts, rest)
	}

	out := make([]string, 0, len(stmts))
	for _, s := range stmts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// scanQuoted returns the index just past a '...'/"..." literal starting at
// start (which must point at the opening quote), handling '' / "" escapes.
func scanQuoted(sql string, start int, quote byte) int {
	i := start + 1
	n := len(sql)
	for i < n {
		if sql[i] == quote {
			if i+1 < n && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return n
}

var dollarTagStart = regexp.MustCompile(`^\$[A-Za-z0-9_]*\$`)

// scanDollarTag returns the index just past a dollar-quoted body (e.g.
// $$...$$ or $tag$...$tag$) starting at start, if one opens there.
func scanDollarTag(sql string, start int) (int, bool) {
	tag := dollarTagStart.FindString(sql[start:])
	if tag == "" {
		return 0, false
	}
	bodyStart := start + len(tag)
	closeIdx := strings.Index(sql[bodyStart:], tag)
	if closeIdx < 0 {
		return len(sql), true
	}
	return bodyStart + closeIdx + len(tag), true
}

var (
	reSelect       = regexp.MustCompile(`(?is)^\s*(SELECT|WITH\b.*\bSELECT|EXPLAIN|SHOW)\b`)
	reInsert       = regexp.MustCompile(`(?is)^\s*INSERT\b`)
	reCreateTable  = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\b`)
	reCreateIndex  = regexp.MustCompile(`(?is)^\s*CREATE\s+INDEX\b`)
	reAlterAddSafe = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\b.*\bADD\s+(COLUMN|CONSTRAINT|INDEX)\b`)
	reUpdate       = regexp.MustCompile(`(?is)^\s*UPDATE\b`)
	reDeleteWhere  = regexp.MustCompile(`(?is)^\s*DELETE\b.*\bWHERE\b`)
	reDelete       = regexp.MustCompile(`(?is)^\s*DELETE\b`)
	reTruncate     = regexp.MustCompile(`(?is)^\s*TRUNCATE\b`)
	reDropObj      = regexp.MustCompile(`(?is)^\s*DROP\s+(TABLE|INDEX|VIEW|CONSTRAINT)\b`)
	reAlter        = regexp.MustCompile(`(?is)^\s*ALTER\b`)
	reWhere        = regexp.MustCompile(`(?is)\bWHERE\b`)
	reBlockedSys   = regexp.MustCompile(`(?is)^\s*(DROP\s+(DATABASE|SCHEMA)|CREATE\s+(DATABASE|SCHEMA)|GRANT|REVOKE|(CREATE|ALTER|DROP)\s+(ROLE|USER))\b`)
	reTxnControl   = regexp.MustCompile(`(?is)^\s*(BEGIN|START\s+TRANSACTION|COMMIT|ROLLBACK|SAVEPOINT)\b`)
)

// classifyOne categorises a single statement by its leading verb, per §4.2.
func classifyOne(stmt string) domain.StatementCategory {
	s := strings.TrimSpace(stmt)

	switch {
	case reBlockedSys.MatchString(s):
		return domain.CategoryBlockedSystem
	case reTxnControl.MatchString(s):
		return domain.CategoryTransactionControl
	case reSelect.MatchString(s):
		return domain.CategorySelect
	case reCreateTable.MatchString(s), reCreateIndex.MatchString(s), reAlterAddSafe.MatchString(s):
		return domain.CategoryDDLSafe
	case reInsert.MatchString(s):
		return domain.CategoryWrite
	case reUpdate.MatchString(s):
		if reWhere.MatchString(s) {
			return domain.CategoryWrite
		}
		return domain.CategoryDMLUnboundedUpdate
	case reTruncate.MatchString(s), reDropObj.MatchString(s):
		return domain.CategoryDDLDestructive
	case reDeleteWhere.MatchString(s):
		return domain.CategoryDMLDestructive
	case reDelete.MatchString(s):
		return domain.CategoryDMLDestructive
	case reAlter.MatchString(s):
		return domain.CategoryDDLDestructive
	default:
		// Unrecognised leading verb: treat conservatively as a write so an
		// unknown statement never slips past READER/USER restrictions.
		return domain.CategoryWrite
	}
}

// roleMatrix maps (category, role) to allowed. Categories not present for a
// role default to deny.
var roleMatrix = map[domain.StatementCategory]map[domain.Role]bool{
	domain.CategorySelect: {
		domain.RoleMaster: true, domain.RoleUser: true, domain.RoleReader: true,
	},
	domain.CategoryWrite: {
		domain.RoleMaster: true, domain.RoleUser: true,
	},
	domain.CategoryDDLSafe: {
		domain.RoleMaster: true, domain.RoleUser: true,
	},
	domain.CategoryDMLDestructive: {
		domain.RoleMaster: true,
	},
	domain.CategoryDDLDestructive: {
		domain.RoleMaster: true,
	},
	domain.CategoryDMLUnboundedUpdate: {
		domain.RoleMaster: true,
	},
	domain.CategoryTransactionControl: {
		domain.RoleMaster: true, domain.RoleUser: true,
	},
	// blocked-system: nobody.
}

// Authorize evaluates the role -> category matrix for a whole batch. Any
// single denied category denies the whole batch; any single dangerous
// category under MASTER requires password re-authentication for the batch.
func Authorize(role domain.Role, categories []domain.StatementCategory) domain.PolicyDecision {
	requiresReauth := false

	for _, cat := range categories {
		if cat == domain.CategoryBlockedSystem {
			return domain.PolicyDecision{
				Allowed: false,
				Reason:  "statement category blocked-system is never permitted",
			}
		}

		allowedRoles := roleMatrix[cat]
		if !allowedRoles[role] {
			return domain.PolicyDecision{
				Allowed: false,
				Reason:  "role " + string(role) + " is not permitted to run a " + string(cat) + " statement",
			}
		}

		if cat.IsDangerous() {
			requiresReauth = true
		}
	}

	return domain.PolicyDecision{Allowed: true, RequiresPasswordReauth: requiresReauth}
}

// BlockedRedisCommands is the fixed set of cache commands rejected for all
// roles, including in RAW mode (§6.4).
var BlockedRedisCommands = map[string]bool{}

func init() {
	for _, c := range []string{
		"FLUSHDB", "FLUSHALL", "SHUTDOWN", "DEBUG", "SLAVEOF", "REPLICAOF", "FAILOVER",
		"CLUSTER", "EVAL", "EVALSHA", "EVAL_RO", "EVALSHA_RO", "SCRIPT", "FUNCTION",
		"FCALL", "FCALL_RO", "MODULE", "MIGRATE", "ACL", "CONFIG", "SUBSCRIBE",
		"PSUBSCRIBE", "SSUBSCRIBE", "MONITOR", "WAIT", "WAITAOF", "BLPOP", "BRPOP",
		"BLMOVE", "BRPOPLPUSH", "BLMPOP", "BZPOPMIN", "BZPOPMAX", "BZMPOP", "SELECT",
		"SWAPDB", "MULTI", "EXEC", "DISCARD", "WATCH", "UNWATCH", "CLIENT", "RESET",
		"HELLO", "AUTH", "QUIT", "BGSAVE", "BGREWRITEAOF", "SAVE", "KEYS",
	} {
		BlockedRedisCommands[c] = true
	}
}

var redisWriteCommands = map[string]bool{
	"SET": true, "SETEX": true, "SETNX": true, "APPEND": true, "DEL": true,
	"UNLINK": true, "EXPIRE": true, "EXPIREAT": true, "PERSIST": true, "RENAME": true,
	"INCR": true, "INCRBY": true, "DECR": true, "DECRBY": true, "HSET": true,
	"HDEL": true, "HINCRBY": true, "LPUSH": true, "RPUSH": true, "LPOP": true,
	"RPOP": true, "LSET": true, "LREM": true, "SADD": true, "SREM": true,
	"ZADD": true, "ZREM": true, "ZINCRBY": true, "GETSET": true, "GETDEL": true,
	"COPY": true, "RESTORE": true, "FLUSHTYPE": true,
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsValidIdentifier reports whether name matches the schema/publication
// identifier grammar required for SET search_path and replication object
// names.
func IsValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

const (
	maxPatternLen = 500
	maxRawCmdLen  = 10000
)

var wildcardOnlyPatterns = map[string]bool{"*": true, "**": true, "?": true}

// ClassifyRedisCommand classifies a cache command/args pair for the policy
// engine: blocked-command rejection (unconditional, regardless of role),
// role-based read/write/raw gating, and input sanitisation (wildcard-only
// key patterns, NUL bytes, length overflow).
func ClassifyRedisCommand(role domain.Role, command string, args []string, raw bool) domain.PolicyDecision {
	cmd := strings.ToUpper(strings.TrimSpace(command))

	if BlockedRedisCommands[cmd] {
		return domain.PolicyDecision{
			Allowed: false,
			Reason:  "command " + cmd + " is permanently blocked",
		}
	}

	if raw {
		if role != domain.RoleMaster {
			return domain.PolicyDecision{Allowed: false, Reason: "only MASTER may submit RAW commands"}
		}
		if len(strings.Join(args, " ")) > maxRawCmdLen || len(cmd) > maxRawCmdLen {
			return domain.PolicyDecision{Allowed: false, Reason: "raw command exceeds maximum length"}
		}
	}

	for _, a := range args {
		if strings.ContainsRune(a, 0) {
			return domain.PolicyDecision{Allowed: false, Reason: "NUL byte in command argument"}
		}
	}

	if isScanLike(cmd) {
		for _, a := range args {
			if wildcardOnlyPatterns[a] {
				return domain.PolicyDecision{Allowed: false, Reason: "wildcard-only pattern is refused"}
			}
			if len(a) > maxPatternLen {
				return domain.PolicyDecision{Allowed: false, Reason: "pattern exceeds maximum length"}
			}
		}
	}

	class := classifyRedisCommandKind(cmd)
	switch class {
	case domain.RedisClassWrite:
		if role == domain.RoleReader {
			return domain.PolicyDecision{Allowed: false, Reason: "READER may not issue write commands"}
		}
	}

	return domain.PolicyDecision{Allowed: true}
}

func isScanLike(cmd string) bool {
	switch cmd {
	case "SCAN", "HSCAN", "SSCAN", "ZSCAN":
		return true
	default:
		return false
	}
}

func classifyRedisCommandKind(cmd string) domain.RedisCommandClass {
	if redisWriteCommands[cmd] {
		return domain.RedisClassWrite
	}
	return domain.RedisClassRead
}
