package infra

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/pushinapp/blockd/internal/domain"
)

const rulesDBName = "rules.db"

// EncryptedRuleStore implements domain.RuleRepository using a SQLCipher
// encrypted SQLite database. The blocked-app selection reveals what the
// user struggles with, so it is encrypted at rest.
type EncryptedRuleStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedRuleStore opens (or creates) the encrypted rule database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedRuleStore(dataDir string, key []byte) (*EncryptedRuleStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, rulesDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	rs := &EncryptedRuleStore{db: db, dbPath: dbPath}

	if err := rs.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return rs, nil
}

func (r *EncryptedRuleStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blocking_rules (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		target_tokens TEXT NOT NULL
	);`

	_, err := r.db.Exec(schema)
	return err
}

// Save persists a rule, replacing any rule with the same ID.
func (r *EncryptedRuleStore) Save(rule domain.BlockingRule) error {
	tokens, err := json.Marshal(rule.TargetTokens)
	if err != nil {
		return fmt.Errorf("failed to encode target tokens: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO blocking_rules (id, type, target_tokens)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			target_tokens = excluded.target_tokens`,
		rule.ID, string(rule.Type), string(tokens))
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return nil
}

// Get returns the rule with the given ID, or a CONFIG_ERROR if absent.
func (r *EncryptedRuleStore) Get(id string) (*domain.BlockingRule, error) {
	row := r.db.QueryRow(
		`SELECT id, type, target_tokens FROM blocking_rules WHERE id = ?`, id)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, domain.E(domain.CodeConfigError, "rule not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule %s: %w", id, err)
	}
	return rule, nil
}

// List returns all persisted rules.
func (r *EncryptedRuleStore) List() ([]domain.BlockingRule, error) {
	rows, err := r.db.Query(
		`SELECT id, type, target_tokens FROM blocking_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.BlockingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// Delete removes a rule by ID.
func (r *EncryptedRuleStore) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM blocking_rules WHERE id = ?`, id)
	return err
}

// Close releases the database connection.
func (r *EncryptedRuleStore) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.BlockingRule, error) {
	var rule domain.BlockingRule
	var typ, tokens string
	if err := row.Scan(&rule.ID, &typ, &tokens); err != nil {
		return nil, err
	}
	rule.Type = domain.TargetType(typ)
	if err := json.Unmarshal([]byte(tokens), &rule.TargetTokens); err != nil {
		return nil, fmt.Errorf("corrupt target tokens for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

// Ensure EncryptedRuleStore implements domain.RuleRepository.
var _ domain.RuleRepository = (*EncryptedRuleStore)(nil)
