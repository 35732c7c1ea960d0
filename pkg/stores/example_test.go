package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mkeeter/halfspace/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordRun records a pass and reads back a block's history.
func ExampleSQLiteStore_RecordRun() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	value := "25"
	run := &stores.Run{
		ID:           "run-1",
		DocumentPath: "plate.json",
		Status:       stores.RunStatusSucceeded,
		Workers:      4,
		Blocks:       1,
		Invocations:  1,
		StartedAt:    time.Now(),
	}
	results := []*stores.BlockResult{
		{BlockID: 0, Name: "area", State: "valid", Fingerprint: "f00d", Value: &value},
	}
	if err := store.RecordRun(ctx, run, results); err != nil {
		log.Fatal(err)
	}

	history, err := store.BlockHistory(ctx, "plate.json", "area", 10)
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range history {
		fmt.Printf("%s: %s = %s\n", r.RunID, r.Name, *r.Value)
	}
	// Output: run-1: area = 25
}
