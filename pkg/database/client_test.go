package database

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient creates a test database client with CI/local environment detection.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	ciDatabaseURL := os.Getenv("CI_DATABASE_URL")

	var connStr string

	if ciDatabaseURL != "" {
		// CI mode: use external PostgreSQL service container
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		connStr = ciDatabaseURL
	} else {
		// Local dev mode: use testcontainers
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		var err2 error
		connStr, err2 = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err2)
	}

	// Apply embedded migrations over a plain database/sql connection
	mdb, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(mdb, "test"))
	require.NoError(t, mdb.Close())

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	client := NewClientFromPool(pool)
	t.Cleanup(client.Close)

	return client
}

func TestDatabaseClient_ConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	// Test basic connectivity
	err := client.Pool().Ping(ctx)
	require.NoError(t, err)

	// Test health check
	health, err := Health(ctx, client.Pool())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxConns, int32(0))
}

func TestMigrations_SchemaComplete(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	want := []string{"chats", "messages", "message_events", "scheduled_tasks", "task_executions", "refresh_tokens"}

	rows, err := client.Pool().Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_name = ANY($1)`, want)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	for _, table := range want {
		assert.True(t, found[table], "missing table %s", table)
	}
}

func TestMigrations_Idempotent(t *testing.T) {
	client := newTestClient(t)

	// newTestClient already migrated; a second run must be a no-op.
	config := client.Pool().Config().ConnConfig
	mdb, err := stdsql.Open("pgx", config.ConnString())
	require.NoError(t, err)
	defer mdb.Close()

	require.NoError(t, RunMigrations(mdb, "test"))
}

func TestMigrations_DuplicateChatSeqRejected(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	chatID := uuid.New().String()
	messageID := uuid.New().String()

	_, err := client.Pool().Exec(ctx,
		`INSERT INTO chats (chat_id, user_id, agent_token) VALUES ($1, 'user-1', 'tok')`, chatID)
	require.NoError(t, err)

	_, err = client.Pool().Exec(ctx,
		`INSERT INTO messages (message_id, chat_id, role) VALUES ($1, $2, 'assistant')`, messageID, chatID)
	require.NoError(t, err)

	insert := `INSERT INTO message_events (event_id, chat_id, message_id, stream_id, seq, event_type)
		VALUES ($1, $2, $3, 'stream-1', 1, 'assistant_text')`

	_, err = client.Pool().Exec(ctx, insert, uuid.New().String(), chatID, messageID)
	require.NoError(t, err)

	// Same (chat_id, seq) pair must violate the unique constraint.
	_, err = client.Pool().Exec(ctx, insert, uuid.New().String(), chatID, messageID)
	require.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid config with defaults",
			envVars: map[string]string{
				"DATABASE_PASSWORD": "test",
			},
			wantErr: false,
		},
		{
			name: "valid config with custom values",
			envVars: map[string]string{
				"DATABASE_HOST":      "db.example.com",
				"DATABASE_PORT":      "5433",
				"DATABASE_USER":      "admin",
				"DATABASE_PASSWORD":  "secret",
				"DATABASE_NAME":      "production",
				"DATABASE_SSLMODE":   "require",
				"DATABASE_MAX_CONNS": "50",
				"DATABASE_MIN_CONNS": "20",
			},
			wantErr: false,
		},
		{
			name: "invalid DATABASE_PORT",
			envVars: map[string]string{
				"DATABASE_PORT":     "invalid",
				"DATABASE_PASSWORD": "test",
			},
			wantErr:     true,
			errContains: "invalid DATABASE_PORT",
		},
		{
			name: "invalid DATABASE_MAX_CONNS",
			envVars: map[string]string{
				"DATABASE_MAX_CONNS": "not_a_number",
				"DATABASE_PASSWORD":  "test",
			},
			wantErr:     true,
			errContains: "invalid DATABASE_MAX_CONNS",
		},
		{
			name: "invalid DATABASE_CONN_MAX_LIFETIME",
			envVars: map[string]string{
				"DATABASE_CONN_MAX_LIFETIME": "invalid_duration",
				"DATABASE_PASSWORD":          "test",
			},
			wantErr:     true,
			errContains: "invalid DATABASE_CONN_MAX_LIFETIME",
		},
		{
			name: "missing password",
			envVars: map[string]string{
				"DATABASE_PASSWORD": "",
			},
			wantErr:     true,
			errContains: "DATABASE_PASSWORD is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envKeys := []string{
				"DATABASE_HOST", "DATABASE_PORT", "DATABASE_USER", "DATABASE_PASSWORD",
				"DATABASE_NAME", "DATABASE_SSLMODE",
				"DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
				"DATABASE_CONN_MAX_LIFETIME", "DATABASE_CONN_MAX_IDLE_TIME",
			}
			for _, key := range envKeys {
				os.Unsetenv(key)
			}

			for key, val := range tt.envVars {
				if val != "" {
					os.Setenv(key, val)
				}
			}

			t.Cleanup(func() {
				for _, key := range envKeys {
					os.Unsetenv(key)
				}
			})

			cfg, err := LoadConfigFromEnv()

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
			} else {
				require.NoError(t, err)
				if tt.name == "valid config with defaults" {
					assert.Equal(t, "localhost", cfg.Host)
					assert.Equal(t, 5432, cfg.Port)
					assert.Equal(t, 25, cfg.MaxConns)
					assert.Equal(t, 5, cfg.MinConns)
				}
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Host:     "localhost",
				Port:     5432,
				User:     "test",
				Password: "test",
				Database: "test",
				SSLMode:  "disable",
				MaxConns: 10,
				MinConns: 5,
			},
			wantErr: false,
		},
		{
			name: "missing password",
			cfg: Config{
				Host:     "localhost",
				Port:     5432,
				User:     "test",
				Password: "",
				Database: "test",
				MaxConns: 10,
				MinConns: 5,
			},
			wantErr: true,
		},
		{
			name: "min conns exceed max conns",
			cfg: Config{
				Host:     "localhost",
				Port:     5432,
				User:     "test",
				Password: "test",
				Database: "test",
				MaxConns: 5,
				MinConns: 10,
			},
			wantErr: true,
		},
		{
			name: "zero max conns",
			cfg: Config{
				Host:     "localhost",
				Port:     5432,
				User:     "test",
				Password: "test",
				Database: "test",
				MaxConns: 0,
				MinConns: 0,
			},
			wantErr: true,
		},
		{
			name: "negative min conns",
			cfg: Config{
				Host:     "localhost",
				Port:     5432,
				User:     "test",
				Password: "test",
				Database: "test",
				MaxConns: 10,
				MinConns: -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
