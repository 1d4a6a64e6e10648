package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationSuite starts the backing services the embedder talks to. Each
// service is opt-in so tests only pay for the containers they use.
type IntegrationSuite struct {
	T   *testing.T
	DB  *sql.DB
	NSQ *nsq.Producer

	DatabaseURL string
	QdrantURL   string
	NSQDAddr    string

	WithPostgres bool
	WithQdrant   bool
	WithNSQ      bool

	pgContainer     *postgres.PostgresContainer
	qdrantContainer testcontainers.Container
	nsqContainer    testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	return &IntegrationSuite{T: t}
}

// MigrationPath is the file:// source for the repo's migrations directory.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(b)
	return fmt.Sprintf("file://%s/../../migrations", basepath)
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	if s.WithPostgres {
		s.setupPostgres(ctx)
	}
	if s.WithQdrant {
		s.setupQdrant(ctx)
	}
	if s.WithNSQ {
		s.setupNSQ(ctx)
	}
}

func (s *IntegrationSuite) setupPostgres(ctx context.Context) {
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("embedder_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)
	s.DatabaseURL = connStr

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	m, err := migrate.New(MigrationPath(), connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())
}

func (s *IntegrationSuite) setupQdrant(ctx context.Context) {
	req := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:v1.12.4",
		ExposedPorts: []string{"6333/tcp"},
		WaitingFor:   wait.ForHTTP("/readyz").WithPort("6333/tcp").WithStartupTimeout(60 * time.Second),
	}
	qdrantC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.qdrantContainer = qdrantC

	host, err := qdrantC.Host(ctx)
	require.NoError(s.T, err)
	port, err := qdrantC.MappedPort(ctx, "6333")
	require.NoError(s.T, err)
	s.QdrantURL = fmt.Sprintf("http://%s:%s", host, port.Port())
}

func (s *IntegrationSuite) setupNSQ(ctx context.Context) {
	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	nsqPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)
	s.NSQDAddr = fmt.Sprintf("%s:%s", nsqHost, nsqPort.Port())

	s.NSQ, err = nsq.NewProducer(s.NSQDAddr, nsq.NewConfig())
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.qdrantContainer != nil {
		s.qdrantContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
}
