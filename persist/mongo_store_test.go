package persist

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if len(uri) == 0 {
		ctx := context.Background()

		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		}

		mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Fatalf("Failed to start MongoDB container: %v", err)
		}

		defer func() {
			if err = mongoContainer.Terminate(ctx); err != nil {
				t.Logf("Warning: Failed to terminate MongoDB container: %v", err)
			}
		}()

		mappedPort, err := mongoContainer.MappedPort(ctx, "27017")
		if err != nil {
			t.Fatalf("Failed to get mapped port: %v", err)
		}

		os.Setenv("MONGO_TEST_URI", fmt.Sprintf("mongodb://localhost:%s", mappedPort.Port()))
	}

	t.Run("runMongoStoreTest", func(t *testing.T) {
		runMongoStoreTest(t)
	})
}

func runMongoStoreTest(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Fatal("MONGO_TEST_URI not set - this should be configured by the testcontainer setup")
	}

	database := os.Getenv("MONGO_TEST_DATABASE")
	if database == "" {
		database = "keep_test"
	}

	t.Logf("Configuring MongoStore with uri: %s, database: %s", uri, database)

	cfg := MongoConfig{
		URI:        uri,
		Database:   database,
		Collection: "e2ee_documents_test",
		// Standalone test containers have no replica set, so watches run on
		// the poll fallback; keep it short.
		WatchPoll: 300 * time.Millisecond,
	}

	store, err := NewMongoStore(context.Background(), cfg, testAccount)
	if err != nil {
		t.Fatalf("Failed to create MongoStore: %v", err)
	}

	testStoreImplementation(t, store, createFreshMongoStore(cfg))
}

var freshMongoCounter int64

// createFreshMongoStore returns a factory producing empty stores, each
// isolated in its own collection.
func createFreshMongoStore(base MongoConfig) func(t *testing.T) Store {
	return func(t *testing.T) Store {
		cfg := base
		cfg.Collection = fmt.Sprintf("e2ee_documents_fresh_%d", atomic.AddInt64(&freshMongoCounter, 1))
		store, err := NewMongoStore(context.Background(), cfg, "fresh-account")
		if err != nil {
			t.Fatalf("Failed to create fresh MongoStore: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	}
}
