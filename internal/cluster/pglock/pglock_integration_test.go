package pglock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"routeflow/internal/cluster"
	"routeflow/internal/storage"
)

func runPostgres(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "routeflow",
			"POSTGRES_DB":       "routeflow",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://postgres:routeflow@%s:%s/routeflow?sslmode=disable", host, port.Port())
}

func TestAdvisoryLockIsExclusiveAcrossSessions(t *testing.T) {
	dsn := runPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if ok, err := a.Acquire(ctx, cluster.LockRoute); err != nil || !ok {
		t.Fatalf("a acquire ok=%v err=%v", ok, err)
	}
	if ok, err := b.Acquire(ctx, cluster.LockRoute); err != nil || ok {
		t.Fatalf("b acquire while held ok=%v err=%v", ok, err)
	}
	if err := a.Refresh(ctx, cluster.LockRoute); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := b.Release(ctx, cluster.LockRoute); !errors.Is(err, storage.ErrLockNotHeld) {
		t.Fatalf("b release: %v", err)
	}
	if err := a.Release(ctx, cluster.LockRoute); err != nil {
		t.Fatalf("a release: %v", err)
	}
	if ok, err := b.Acquire(ctx, cluster.LockRoute); err != nil || !ok {
		t.Fatalf("b acquire after release ok=%v err=%v", ok, err)
	}
}
