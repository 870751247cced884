package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// orchestratorTables are emptied by Reset, children first.
var orchestratorTables = []string{"execution_records", "audit_records", "tasks"}

// TestDB is a throwaway PostgreSQL container carrying the orchestrator schema.
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

type pgSettings struct {
	image    string
	user     string
	password string
	database string
	host     string
}

func loadSettings(t *testing.T) pgSettings {
	if err := godotenv.Load(filepath.Join(moduleRoot(t), ".env")); err != nil {
		t.Logf("No .env loaded (%v), using the environment", err)
	}
	return pgSettings{
		image:    envOr("ORCH_TEST_PG_IMAGE", "postgres:15-alpine"),
		user:     envOr("ORCH_TEST_PG_USER", "orchestrator"),
		password: envOr("ORCH_TEST_PG_PASSWORD", "orchestrator"),
		database: envOr("ORCH_TEST_PG_DB", "orchestrator_test"),
		host:     envOr("ORCH_TEST_PG_HOST", "localhost"),
	}
}

// SetupTestDB starts PostgreSQL, applies every migration under the module's
// migrations directory and returns a connected handle. Skipped with -short.
func SetupTestDB(t *testing.T) *TestDB {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cfg := loadSettings(t)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.image,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     cfg.user,
				"POSTGRES_PASSWORD": cfg.password,
				"POSTGRES_DB":       cfg.database,
			},
			// postgres logs readiness twice: once for the init server, once for the real one
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start orchestrator database: %v", err)
	}
	td := &TestDB{container: container}

	if err := td.prepare(ctx, cfg, moduleRoot(t)); err != nil {
		if terr := container.Terminate(context.Background()); terr != nil {
			t.Logf("Failed to terminate container: %v", terr)
		}
		t.Fatalf("Failed to prepare orchestrator database: %v", err)
	}
	return td
}

// prepare connects to the container and migrates the schema up.
func (td *TestDB) prepare(ctx context.Context, cfg pgSettings, root string) error {
	port, err := td.container.MappedPort(ctx, "5432")
	if err != nil {
		return errors.Wrap(err, "mapped port")
	}
	td.ConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.user, cfg.password, cfg.host, port.Port(), cfg.database)

	td.DB, err = sqlx.ConnectContext(ctx, "postgres", td.ConnStr)
	if err != nil {
		return errors.Wrap(err, "connect")
	}

	m, err := migrate.New("file://"+filepath.ToSlash(filepath.Join(root, "migrations")), td.ConnStr)
	if err != nil {
		return errors.Wrap(err, "open migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Reset empties every orchestrator table so the next subtest starts clean.
func (td *TestDB) Reset(t *testing.T) {
	query := "TRUNCATE TABLE " + strings.Join(orchestratorTables, ", ") + " RESTART IDENTITY CASCADE"
	if _, err := td.DB.Exec(query); err != nil {
		t.Errorf("Failed to reset orchestrator tables: %v", err)
	}
}

// Teardown closes the connection and removes the container.
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}

// moduleRoot walks up from this file to the directory holding go.mod, so
// tests in any package find the same migrations.
func moduleRoot(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot locate testutil source")
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found above testutil")
		}
		dir = parent
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
